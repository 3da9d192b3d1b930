package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const DefaultTier = "small"

// Tier is a named ggml model published for whisper.cpp.
type Tier struct {
	Name     string
	FileName string
	URL      string
	SHA256   string
}

// ModelFile is a tier (or custom file) resolved against a model directory.
type ModelFile struct {
	Name    string
	Path    string
	Tier    *Tier
	Present bool
}

const ggmlBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

var tiers = map[string]Tier{
	"tiny": {
		Name:     "tiny",
		FileName: "ggml-tiny.bin",
		SHA256:   "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
	},
	"base": {
		Name:     "base",
		FileName: "ggml-base.bin",
		SHA256:   "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
	},
	"small": {
		Name:     "small",
		FileName: "ggml-small.bin",
		SHA256:   "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
	},
	"medium": {
		Name:     "medium",
		FileName: "ggml-medium.bin",
		SHA256:   "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
	},
	"large-v3": {
		Name:     "large-v3",
		FileName: "ggml-large-v3.bin",
		SHA256:   "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
	},
}

func TierNames() []string {
	names := make([]string, 0, len(tiers))
	for name := range tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LookupTier(name string) (Tier, bool) {
	tier, ok := tiers[name]
	if ok {
		tier.URL = ggmlBaseURL + tier.FileName
	}
	return tier, ok
}

// ResolveModelFile maps a tier name or a path to a ggml file. A named tier
// that is missing from dir is returned with Present=false so the caller can
// fetch it; a missing custom path is an error.
func ResolveModelFile(ref, dir string) (ModelFile, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = DefaultTier
	}

	if tier, ok := LookupTier(ref); ok {
		if strings.TrimSpace(dir) == "" {
			return ModelFile{}, errors.New("model directory must not be empty for a named model")
		}
		path := filepath.Join(dir, tier.FileName)
		present, err := fileExists(path)
		if err != nil {
			return ModelFile{}, fmt.Errorf("stat model file: %w", err)
		}
		return ModelFile{Name: tier.Name, Path: path, Tier: &tier, Present: present}, nil
	}

	if !looksLikePath(ref) {
		return ModelFile{}, fmt.Errorf("unknown model %q (known models: %s)", ref, strings.Join(TierNames(), ", "))
	}

	path := filepath.Clean(ref)
	present, err := fileExists(path)
	if err != nil {
		return ModelFile{}, fmt.Errorf("stat model file: %w", err)
	}
	if !present {
		return ModelFile{}, fmt.Errorf("model file does not exist: %s", path)
	}
	return ModelFile{Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), Path: path, Present: true}, nil
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", path)
	}
	return true, nil
}

func looksLikePath(ref string) bool {
	return strings.ContainsRune(ref, os.PathSeparator) || strings.HasSuffix(strings.ToLower(ref), ".bin")
}

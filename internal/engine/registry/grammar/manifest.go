package grammar

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const ManifestFileName = "manifest.toml"

// Manifest lists externally built grammar artifacts and their approved hashes.
type Manifest struct {
	Version            int        `toml:"version"`
	AllowedABIVersions []int      `toml:"allowed_abi_versions"`
	Artifacts          []Artifact `toml:"artifacts"`
}

type Artifact struct {
	Language         string `toml:"language"`
	ABIVersion       int    `toml:"abi_version"`
	Symbol           string `toml:"symbol"`
	SharedObjectPath string `toml:"so_path"`
	SharedObjectHash string `toml:"so_sha256"`
	QueriesDir       string `toml:"queries_dir"`
	Source           string `toml:"source"`
	ApprovedDate     string `toml:"approved_date"`
}

// SymbolName returns the exported language constructor, tree_sitter_<language> by default.
func (a Artifact) SymbolName() string {
	if a.Symbol != "" {
		return a.Symbol
	}
	return "tree_sitter_" + strings.ReplaceAll(a.Language, "-", "_")
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}

	var manifest Manifest
	if _, err := toml.Decode(string(data), &manifest); err != nil {
		return Manifest{}, err
	}

	if manifest.Version <= 0 {
		return Manifest{}, fmt.Errorf("manifest version must be > 0")
	}
	if len(manifest.AllowedABIVersions) == 0 {
		return Manifest{}, fmt.Errorf("manifest must define allowed_abi_versions")
	}

	seen := make(map[string]bool, len(manifest.Artifacts))
	for i, artifact := range manifest.Artifacts {
		ref := fmt.Sprintf("artifacts[%d]", i)
		artifact.Language = strings.TrimSpace(strings.ToLower(artifact.Language))
		artifact.Symbol = strings.TrimSpace(artifact.Symbol)
		artifact.SharedObjectPath = filepath.Clean(strings.TrimSpace(artifact.SharedObjectPath))
		artifact.SharedObjectHash = strings.TrimSpace(strings.ToLower(artifact.SharedObjectHash))
		artifact.QueriesDir = strings.TrimSpace(artifact.QueriesDir)
		artifact.Source = strings.TrimSpace(artifact.Source)
		artifact.ApprovedDate = strings.TrimSpace(artifact.ApprovedDate)

		if artifact.Language == "" {
			return Manifest{}, fmt.Errorf("%s.language must not be empty", ref)
		}
		if seen[artifact.Language] {
			return Manifest{}, fmt.Errorf("duplicate language entry %q in manifest", artifact.Language)
		}
		seen[artifact.Language] = true
		if artifact.ABIVersion <= 0 {
			return Manifest{}, fmt.Errorf("%s.abi_version must be > 0", ref)
		}
		if artifact.SharedObjectPath == "." || artifact.SharedObjectHash == "" {
			return Manifest{}, fmt.Errorf("%s.so_path and so_sha256 must not be empty", ref)
		}
		if artifact.QueriesDir != "" {
			artifact.QueriesDir = filepath.Clean(artifact.QueriesDir)
		}
		manifest.Artifacts[i] = artifact
	}

	return manifest, nil
}

// Artifact returns the manifest entry for language.
func (m Manifest) Artifact(language string) (Artifact, bool) {
	language = strings.TrimSpace(strings.ToLower(language))
	for _, artifact := range m.Artifacts {
		if artifact.Language == language {
			return artifact, true
		}
	}
	return Artifact{}, false
}

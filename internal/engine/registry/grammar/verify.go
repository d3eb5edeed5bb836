package grammar

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type VerificationIssue struct {
	Language     string
	ArtifactPath string
	ExpectedHash string
	ActualHash   string
	Reason       string
}

func (i VerificationIssue) String() string {
	if i.ArtifactPath == "" {
		return fmt.Sprintf("%s: %s", i.Language, i.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", i.Language, i.ArtifactPath, i.Reason)
}

// VerifyArtifacts checks every manifest artifact under baseDir.
func VerifyArtifacts(baseDir string, manifest Manifest) ([]VerificationIssue, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("baseDir must not be empty")
	}

	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("grammar base path is not a directory: %s", baseDir)
	}

	allowed := make(map[int]bool, len(manifest.AllowedABIVersions))
	for _, version := range manifest.AllowedABIVersions {
		allowed[version] = true
	}

	issues := make([]VerificationIssue, 0)
	for _, artifact := range manifest.Artifacts {
		issues = append(issues, verifyArtifact(baseDir, artifact, allowed)...)
	}
	sortIssues(issues)
	return issues, nil
}

// VerifyLanguage checks the single artifact of language.
func VerifyLanguage(baseDir string, manifest Manifest, language string) []VerificationIssue {
	artifact, ok := manifest.Artifact(language)
	if !ok {
		return []VerificationIssue{{Language: language, Reason: "language missing from manifest"}}
	}
	allowed := make(map[int]bool, len(manifest.AllowedABIVersions))
	for _, version := range manifest.AllowedABIVersions {
		allowed[version] = true
	}
	return verifyArtifact(baseDir, artifact, allowed)
}

func verifyArtifact(baseDir string, artifact Artifact, allowed map[int]bool) []VerificationIssue {
	var issues []VerificationIssue
	if !allowed[artifact.ABIVersion] {
		issues = append(issues, VerificationIssue{
			Language: artifact.Language,
			Reason:   fmt.Sprintf("unsupported ABI version %d", artifact.ABIVersion),
		})
	}
	return append(issues, verifyArtifactHash(baseDir, artifact.Language, artifact.SharedObjectPath, artifact.SharedObjectHash)...)
}

func verifyArtifactHash(baseDir, language, relPath, expectedHash string) []VerificationIssue {
	fullPath := filepath.Join(baseDir, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return []VerificationIssue{{
			Language:     language,
			ArtifactPath: relPath,
			ExpectedHash: expectedHash,
			ActualHash:   "<missing>",
			Reason:       "artifact missing or unreadable",
		}}
	}

	actual := fmt.Sprintf("%x", sha256.Sum256(data))
	if actual == expectedHash {
		return nil
	}
	return []VerificationIssue{{
		Language:     language,
		ArtifactPath: relPath,
		ExpectedHash: expectedHash,
		ActualHash:   actual,
		Reason:       "checksum mismatch",
	}}
}

func sortIssues(issues []VerificationIssue) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Language != issues[j].Language {
			return issues[i].Language < issues[j].Language
		}
		if issues[i].ArtifactPath != issues[j].ArtifactPath {
			return issues[i].ArtifactPath < issues[j].ArtifactPath
		}
		return issues[i].Reason < issues[j].Reason
	})
}

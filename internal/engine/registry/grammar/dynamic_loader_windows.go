//go:build windows

package grammar

import (
	"fmt"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

// LoadDynamic returns an error on Windows as dynamic grammar loading is not supported.
func LoadDynamic(path, symbol string) (*sitter.Language, error) {
	return nil, fmt.Errorf("dynamic grammar loading is not supported on Windows (%s)", path)
}

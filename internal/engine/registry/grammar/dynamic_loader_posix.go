//go:build !windows

package grammar

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef const void* (*ts_language_fn)(void);

const void* load_ts_lang(const char* path, const char* name) {
    void* handle = dlopen(path, RTLD_NOW | RTLD_LOCAL);
    if (!handle) return NULL;
    ts_language_fn fn = (ts_language_fn)dlsym(handle, name);
    if (!fn) return NULL;
    return fn();
}
*/
import "C"
import (
	"fmt"
	"unsafe"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

// LoadDynamic loads a tree-sitter language by calling symbol in the shared object at path.
// The library stays mapped for the life of the process.
func LoadDynamic(path, symbol string) (*sitter.Language, error) {
	cPath := C.CString(path)
	cSymbol := C.CString(symbol)
	defer C.free(unsafe.Pointer(cPath))
	defer C.free(unsafe.Pointer(cSymbol))

	ptr := C.load_ts_lang(cPath, cSymbol)
	if ptr == nil {
		return nil, fmt.Errorf("failed to load %s from %s", symbol, path)
	}
	return sitter.NewLanguage(unsafe.Pointer(ptr)), nil
}

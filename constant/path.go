package constant

import (
	"os"
	"path/filepath"
	"strings"
)

var basePath string

func SetBasePath(path string) {
	basePath = path
}

func BasePath(name string) string {
	if basePath == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(basePath, name)
}

func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

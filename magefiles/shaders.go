//go:build mage

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/magefile/mage/mg"
)

type Shaders mg.Namespace

var shaderSources = []string{".vert", ".frag", ".geom", ".tesc", ".tese", ".comp"}

// Compiles every GLSL source under $SHADER_DIR (default "shaders") to SPIR-V next to it.
func (Shaders) Compile() error {
	dir := os.Getenv("SHADER_DIR")
	if dir == "" {
		dir = "shaders"
	}

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isShaderSource(path) {
			return nil
		}

		// "lit.frag" compiles to "lit.frag.spv", loaded as the shader named "lit.frag"
		_, err = executeCmd("glslc", withArgs(path, "-o", path+".spv"), withDir("."))
		if err != nil {
			return errors.Wrapf(err, "failed to compile %s", path)
		}
		return nil
	})
}

func isShaderSource(path string) bool {
	ext := filepath.Ext(path)
	for _, source := range shaderSources {
		if strings.EqualFold(ext, source) {
			return true
		}
	}
	return false
}

package domain

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// allowedThirdParty lists the only non-stdlib imports the domain package may use.
var allowedThirdParty = map[string]bool{
	"github.com/zeebo/xxh3": true,
}

func TestDomainImportsStayLeaf(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	fset := token.NewFileSet()
	for _, name := range files {
		if strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, name, nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		for _, imp := range f.Imports {
			path, _ := strconv.Unquote(imp.Path.Value)
			first, _, _ := strings.Cut(path, "/")
			switch {
			case strings.HasPrefix(path, "soundspeed/"):
				t.Errorf("%s: domain must not import %s", name, path)
			case strings.Contains(first, ".") && !allowedThirdParty[path]:
				t.Errorf("%s: unexpected dependency %s", name, path)
			}
		}
	}
}

package naming

import (
	"path/filepath"
	"strings"
)

// Derived is the result of name derivation. Renamed is false when the
// original name had fewer than three underscore-separated tokens and was
// returned verbatim, extension included.
type Derived struct {
	Name    string
	Renamed bool
}

// Derive builds "<groupLabel>-<token[1]>.<outputExt>" from an original file
// name such as "ABC_10_shoe.jpg".
func Derive(original, groupLabel, outputExt string) Derived {
	tokens := strings.Split(original, "_")
	if len(tokens) < 3 {
		return Derived{Name: original}
	}

	ext := strings.TrimPrefix(outputExt, ".")
	return Derived{
		Name:    groupLabel + "-" + tokens[1] + "." + ext,
		Renamed: true,
	}
}

func DeriveName(original, groupLabel, outputExt string) string {
	return Derive(original, groupLabel, outputExt).Name
}

var imageExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".bmp":  {},
	".gif":  {},
}

// IsImageFile reports whether name carries one of the recognized image
// extensions, ignoring case.
func IsImageFile(name string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

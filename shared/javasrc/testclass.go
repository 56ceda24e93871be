package javasrc

import "strings"

var junitTestAnnotations = map[string]bool{
	"org.junit.jupiter.api.Test": true,
	"org.junit.Test":             true,
}

// IsTestClass reports whether t already is a test: by name, by JUnit
// annotations on the type or its methods, or by living under a test
// directory.
func (f *File) IsTestClass(t Type, path string) bool {
	if strings.HasSuffix(t.Name, "Test") || strings.HasPrefix(t.Name, "Test") {
		return true
	}
	for _, a := range t.Annotations {
		q := f.Qualify(a)
		if junitTestAnnotations[q] || strings.HasPrefix(q, "org.junit.jupiter.api.") {
			return true
		}
	}
	for _, a := range t.MethodAnnotations {
		if junitTestAnnotations[f.Qualify(a)] {
			return true
		}
	}
	return strings.Contains(path, "/test/") || strings.Contains(path, `\test\`)
}

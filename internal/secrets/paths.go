// Package secrets keeps credentials out of commits: file-name patterns for
// credential files and a gitleaks content scan over diffs.
package secrets

import (
	"path"
	"sort"
	"strings"
)

// CredentialPatterns are base-name globs for files that must never be committed.
var CredentialPatterns = []string{
	".env",
	"*.env",
	".env.*",
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"id_rsa*",
	"id_ed25519*",
	"credentials.json",
	".npmrc",
	".pypirc",
	".netrc",
	"*.keystore",
	"secrets.y*ml",
}

// templateSuffixes mark checked-in examples of env files, which are safe.
var templateSuffixes = []string{".example", ".sample", ".template", ".dist"}

// IsCredentialPath reports whether p names a credential file.
func IsCredentialPath(p string) bool {
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	for _, suffix := range templateSuffixes {
		if strings.HasPrefix(base, ".env") && strings.HasSuffix(base, suffix) {
			return false
		}
	}
	for _, pattern := range CredentialPatterns {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// CredentialPaths returns the sorted subset of paths that name credential files.
func CredentialPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		if IsCredentialPath(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// ExcludePathspecs returns git pathspecs that exclude every credential
// pattern at any depth, for use after a positive pathspec such as ".".
func ExcludePathspecs() []string {
	specs := make([]string, 0, len(CredentialPatterns))
	for _, pattern := range CredentialPatterns {
		specs = append(specs, ":(exclude,glob)**/"+pattern)
	}
	return specs
}

package job

import (
	"path"
	"strings"
)

// Object store layout. Each job owns disjoint prefixes.
const (
	sourceRoot = "source"
	buildRoot  = "build"
	logRoot    = "logs"
)

// SourcePrefix returns the snapshot prefix of job id, with a trailing slash.
func SourcePrefix(id string) string {
	return sourceRoot + "/" + id + "/"
}

// BuildPrefix returns the artifact prefix of job id, with a trailing slash.
func BuildPrefix(id string) string {
	return buildRoot + "/" + id + "/"
}

// BuildLogKey returns the key of the captured build output of job id.
func BuildLogKey(id string) string {
	return logRoot + "/" + id + "/build.log"
}

// SourceKey returns the snapshot key for the slash-separated relative name.
func SourceKey(id, name string) string {
	return SourcePrefix(id) + strings.TrimPrefix(path.Clean("/"+name), "/")
}

// BuildKey returns the artifact key for the slash-separated relative name.
func BuildKey(id, name string) string {
	return BuildPrefix(id) + strings.TrimPrefix(path.Clean("/"+name), "/")
}

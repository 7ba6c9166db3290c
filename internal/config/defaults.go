package config

// DefaultIgnorePatterns is the canonical list of path segments and
// file patterns the built-in file watcher skips.
//
// Users can override via config.yaml: watcher.ignore_patterns
var DefaultIgnorePatterns = []string{
	".git",
	".svn",
	".hg",
	".watchd",
	"node_modules",
	"vendor",
	"__pycache__",
	".venv",
	"venv",
	".idea",
	".vscode",
	"dist",
	"build",
	"target",
	".cache",
	"*.swp",
	"*.tmp",
	"*.log",
	".DS_Store",
	"Thumbs.db",
}

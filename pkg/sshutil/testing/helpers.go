package testing

// WithFiles pre-populates the fake filesystem with files.
// Keys are paths, values are file contents.
func WithFiles(p *FakeProvider, files map[string]string) {
	for path, content := range files {
		_ = p.FS().WriteFile(path, []byte(content))
	}
}

// WithDirs pre-populates the fake filesystem with directories.
func WithDirs(p *FakeProvider, dirs []string) {
	for _, dir := range dirs {
		_ = p.FS().MkdirAll(dir)
	}
}

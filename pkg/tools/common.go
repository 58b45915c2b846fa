package tools

import "sync"

//nolint:gochecknoglobals // standard sync.Once pattern for one-time registration
var once sync.Once

// InitCommon registers the reference file-system tools shipped with this
// package (read_file, list_files). Host applications register their own
// domain tools (shell, build, git, ...) separately; this call registers
// only these two.
func InitCommon() {
	once.Do(func() {
		Register(ToolReadFile, newReadFileFactory, ToolMeta{
			Name:        ToolReadFile,
			Description: "Read contents of a file from the workspace.",
			InputSchema: readFileSchema(),
		})
		Register(ToolListFiles, newListFilesFactory, ToolMeta{
			Name:        ToolListFiles,
			Description: "List files under a directory in the workspace.",
			InputSchema: listFilesSchema(),
		})
	})
}

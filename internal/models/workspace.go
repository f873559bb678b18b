package models

import (
	"path/filepath"
	"sort"
)

// ContentDirName is the subfolder holding a main workspace's tiddlers.
// Sub-workspaces keep their tiddlers at the folder root.
const ContentDirName = "tiddlers"

// AttachmentsDirName is the managed folder for external attachments,
// relative to a workspace root.
const AttachmentsDirName = "files"

// Workspace is one configured folder, main or sub.
type Workspace struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	FolderPath      string `json:"folder_path"`
	IsSubWorkspace  bool   `json:"is_sub_workspace"`
	MainWorkspaceID string `json:"main_workspace_id,omitempty"`
	RoutingTag      string `json:"routing_tag,omitempty"`
	SubFolderName   string `json:"sub_folder_name,omitempty"`
	Order           int    `json:"order"`
	Port            int    `json:"port,omitempty"`
}

// ContentDir returns the directory tiddler files live in.
func (w Workspace) ContentDir() string {
	if w.IsSubWorkspace {
		return w.FolderPath
	}
	return filepath.Join(w.FolderPath, ContentDirName)
}

// AttachmentsDir returns the managed attachments directory.
func (w Workspace) AttachmentsDir() string {
	return filepath.Join(w.FolderPath, AttachmentsDirName)
}

// SortByOrder sorts sub-workspaces by ascending Order, keeping the input
// order for ties.
func SortByOrder(ws []Workspace) []Workspace {
	out := append([]Workspace(nil), ws...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// FileInfo records where a tiddler lives on disk.
type FileInfo struct {
	Filepath            string `json:"filepath"`
	FileType            string `json:"file_type"`
	HasSeparateMetaFile bool   `json:"has_separate_meta_file"`
	IsEditable          bool   `json:"is_editable"`
	WorkspaceID         string `json:"workspace_id"`
}

// MetaPath returns the companion .meta path for files with a separate meta file.
func (f FileInfo) MetaPath() string {
	if !f.HasSeparateMetaFile {
		return ""
	}
	return f.Filepath + ".meta"
}

package engine

import (
	"time"

	"github.com/starford/tidsync/internal/models"
)

// TiddlerRequest is the PUT /tiddlers/{title} body.
type TiddlerRequest struct {
	Text     string            `json:"text"`
	Tags     []string          `json:"tags,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Created  time.Time         `json:"created,omitzero"`
	Modified time.Time         `json:"modified,omitzero"`
}

func (r TiddlerRequest) tiddler(title string) *models.Tiddler {
	return &models.Tiddler{
		Title:    title,
		Text:     r.Text,
		Tags:     r.Tags,
		Fields:   r.Fields,
		Created:  r.Created,
		Modified: r.Modified,
	}
}

// TiddlerResponse is one tiddler with where it is stored.
type TiddlerResponse struct {
	*models.Tiddler
	WorkspaceID string `json:"workspace_id,omitempty"`
	Filepath    string `json:"filepath,omitempty"`
}

// SaveResponse reports the outcome of a PUT.
type SaveResponse struct {
	Title         string `json:"title"`
	Unchanged     bool   `json:"unchanged,omitempty"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	Filepath      string `json:"filepath,omitempty"`
	Relocated     bool   `json:"relocated,omitempty"`
	FromWorkspace string `json:"from_workspace,omitempty"`
	Attachment    string `json:"attachment,omitempty"`
	AttachmentErr string `json:"attachment_error,omitempty"`
}

// TitleListResponse wraps GET /tiddlers.
type TitleListResponse struct {
	Titles []string `json:"titles"`
	Total  int      `json:"total"`
}

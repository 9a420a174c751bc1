package api

import "github.com/ruteri/configserver/interfaces"

// Response headers of the configuration server.
const (
	// GenerationHeader carries the working area generation the file was read from.
	GenerationHeader = "X-Config-Generation"

	// RevisionHeader carries the source revision of that generation.
	RevisionHeader = "X-Config-Revision"

	// SealedHeader carries the number of placeholders sealed by the tokenize endpoint.
	SealedHeader = "X-Config-Sealed"
)

// EncryptResponse is returned by the encrypt endpoint when JSON is requested.
type EncryptResponse struct {
	// Token is the armored envelope, ready to be committed to a repository.
	Token string `json:"token"`

	// KeyID names the key the token was sealed with.
	KeyID string `json:"key_id"`
}

// RepositoriesResponse lists the status of every configured repository.
type RepositoriesResponse struct {
	Repositories []interfaces.RepositoryStatus `json:"repositories"`
}

package models

// UploadAttempt asks to replace the content of Target with Payload.
type UploadAttempt struct {
	Target        BlobReference
	IsRefMutable  bool
	Payload       []byte
	CommitMessage string
}

// UploadResult is what the write path reports after a successful upload.
type UploadResult struct {
	CommitID string `json:"commit_id"`
	BlobID   string `json:"blob_id"`
}

package dto

// VerifyRequest is the body of POST /api/v1/verify.
type VerifyRequest struct {
	// Container is the encoded signed container.
	Container BinaryData `json:"container"`

	// Sender is the member identifier the signer must belong to.
	Sender string `json:"sender"`

	// Instance overrides the local federation instance.
	Instance string `json:"instance,omitempty"`

	// Attachments are message parts signed alongside the message body.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a named message part.
type Attachment struct {
	Name string     `json:"name"`
	Data BinaryData `json:"data"`
}

// VerifyResponse describes a successful verification.
type VerifyResponse struct {
	Valid             bool   `json:"valid"`
	Signer            string `json:"signer"`
	Subject           string `json:"subject"`
	Serial            string `json:"serial"`
	Algorithm         string `json:"algorithm"`
	Batch             bool   `json:"batch"`
	EmbeddedResponses int    `json:"embedded_responses"`
	CachedResponses   int    `json:"cached_responses"`
}

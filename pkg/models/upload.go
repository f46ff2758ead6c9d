package models

// Credentials are the primary login factors for the admin console.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// WorkItem is one file queued for upload in a session.
type WorkItem struct {
	Filename string `json:"filename"`
	Path     string `json:"-"` // local temp path, never serialized
}

// UploadResult records the outcome for a single work item.
type UploadResult struct {
	Filename string `json:"filename"`
	Success  bool   `json:"success"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StartUploadResponse is returned immediately after session creation; the
// caller holds on to SessionID to resume the flow across requests.
type StartUploadResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Needs2FA  bool   `json:"needs2fa"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// TwoFactorRequest carries the one-time code for a pending session.
type TwoFactorRequest struct {
	Code string `json:"code"`
}

// TwoFactorResponse is the result of submitting a one-time code.
type TwoFactorResponse struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// UploadStatusResponse is the read-only view of a session.
type UploadStatusResponse struct {
	SessionID      string         `json:"sessionId"`
	State          string         `json:"state"`
	Needs2FA       bool           `json:"needs2fa"`
	Progress       float64        `json:"progress"`
	CurrentFile    string         `json:"currentFile,omitempty"`
	TotalFiles     int            `json:"totalFiles"`
	CompletedFiles int            `json:"completedFiles"`
	Results        []UploadResult `json:"results"`
	Message        string         `json:"message"`
	Error          string         `json:"error,omitempty"`
	ErrorKind      string         `json:"errorKind,omitempty"`
	TimeRemaining  int            `json:"timeRemainingSeconds"`
}

// CancelResponse reports whether a cancel request took effect.
type CancelResponse struct {
	Success bool `json:"success"`
}

// HealthResponse reports service liveness and session occupancy.
type HealthResponse struct {
	Status          string `json:"status"`
	ActiveSessions  int    `json:"activeSessions"`
	SessionCapacity int    `json:"sessionCapacity"`
}

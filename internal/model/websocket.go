package model

// Frame types pushed over the job progress socket
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage is the bare envelope. Inbound client frames are sniffed by
// Type alone; everything else on the wire is outbound.
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage streams render progress while a generation job runs
type WSProgressMessage struct {
	Type        string    `json:"type"`
	JobID       string    `json:"jobId"`
	Progress    int       `json:"progress"`
	Status      JobStatus `json:"status"`
	CurrentStep string    `json:"currentStep,omitempty"`
}

// WSCompleteMessage delivers the finished design once the job settles.
// Result carries the same signed URL pair the REST result endpoint serves.
type WSCompleteMessage struct {
	Type   string      `json:"type"`
	JobID  string      `json:"jobId"`
	Result interface{} `json:"result"`
}

// WSErrorMessage reports a terminal failure on the watched job
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError mirrors the REST error envelope so clients share one decoder
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

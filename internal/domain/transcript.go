package domain

// TranscriptEntry is a single completed exchange recorded in the transcript archive.
type TranscriptEntry struct {
	PK        string
	SK        string
	SessionID string
	Question  string
	Answer    string
	Mode      string
	Model     string
	Partial   bool
	Turns     int
	CreatedAt string
	TTL       int64
}

package mongo

const (
	store = "mediascribe"

	jobTable        = "jobs"
	transcriptTable = "transcripts"
	counterTable    = "counters"
)

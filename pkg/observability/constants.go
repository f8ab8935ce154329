package observability

const (
	AttrQueryLength    = "routing.query_length"
	AttrCandidateCount = "routing.candidate_count"
	AttrSelectedCount  = "routing.selected_count"
	AttrMaxSelected    = "routing.max_selected"
	AttrFallbackUsed   = "routing.fallback_used"
	AttrSessionID      = "routing.session_id"
	AttrRound          = "routing.round"
	AttrNewIDs         = "routing.new_ids"
	AttrTopK           = "registry.top_k"
	AttrCatalogSize    = "registry.catalog_size"
	AttrErrorType      = "error.type"

	SpanRoute          = "router.route"
	SpanRegistrySearch = "registry.search"
	SpanFeedbackRound  = "feedback.round"
	SpanSessionRun     = "feedback.session"

	DefaultServiceName = "capiroute"
)

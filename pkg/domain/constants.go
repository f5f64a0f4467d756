package domain

// End is the sentinel node name that terminates a run.
// It is never a valid node name.
const End = "__END__"

// Field names shared by the persisted run record and the wire format.
const (
	FieldGraphID = "graph_id"
	FieldStatus  = "status"
	FieldState   = "state"
	FieldHistory = "history"
	FieldError   = "error"
	FieldCreated = "created_at"
	FieldUpdated = "updated_at"
)

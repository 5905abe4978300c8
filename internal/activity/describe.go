package activity

import (
	"encoding/json"
	"fmt"

	"copydesk/internal/domain"
)

// Describe derives a human-readable line from an event type and its metadata.
// It is a pure function with a stable output for a given (type, metadata) pair;
// the result is for display only and never drives a business decision.
func Describe(typ EventType, md Metadata) string {
	get := func(key string) string {
		if md == nil {
			return ""
		}
		switch v := md[key].(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%d", int64(v))
		case int:
			return fmt.Sprintf("%d", v)
		case int64:
			return fmt.Sprintf("%d", v)
		default:
			return ""
		}
	}
	switch typ {
	case TypeContentCreated:
		return "created the content"
	case TypeContentUpdated:
		return "updated the content"
	case TypeCommentAdded:
		return "added a comment"
	case TypeApprovalRequested:
		return fmt.Sprintf("opened an approval request using %q", get("template"))
	case TypeStageApproved:
		return fmt.Sprintf("approved stage %q", get("stage"))
	case TypeStageRejected:
		return fmt.Sprintf("rejected stage %q", get("stage"))
	case TypeChangesRequested:
		return fmt.Sprintf("requested changes on stage %q", get("stage"))
	case TypeStageSkipped:
		return fmt.Sprintf("skipped stage %q", get("stage"))
	case TypeApprovalResubmit:
		return fmt.Sprintf("resubmitted for approval at stage %q", get("stage"))
	case TypeApprovalCompleted:
		return "completed the approval chain"
	case TypeApprovalCancelled:
		return "cancelled the approval request"
	case TypeVersionCreated:
		return fmt.Sprintf("created version %s", get("version"))
	case TypeVersionRestored:
		return fmt.Sprintf("restored version %s as version %s", get("restored_from"), get("version"))
	case TypeStageAssigned:
		return fmt.Sprintf("assigned stage %q to %s", get("stage"), get("assignee"))
	}
	return string(typ)
}

// DescribeEvent is Describe applied to a stored event row.
func DescribeEvent(evt domain.ActivityEvent) string {
	var md Metadata
	if evt.Metadata != "" {
		_ = json.Unmarshal([]byte(evt.Metadata), &md)
	}
	return Describe(EventType(evt.Type), md)
}

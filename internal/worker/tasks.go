package worker

import "github.com/ignite/broadcast-engine/internal/domain"

// Task types handled by the worker pool.
const (
	TaskSendContact = "send_contact"
	TaskPickWinner  = "pick_winner"
)

// SendContactPayload asks for one broadcast message to one contact.
// FinalSample sends carry no variant and use the winning content.
type SendContactPayload struct {
	BroadcastID string `json:"broadcast_id"`
	ContactID   string `json:"contact_id"`
	VariantID   string `json:"variant_id,omitempty"`
	FinalSample bool   `json:"final_sample,omitempty"`
}

// DedupKey is broadcastId:contactId:variantId.
func (p SendContactPayload) DedupKey() string {
	return domain.SendDedupKey(p.BroadcastID, p.ContactID, p.VariantID)
}

type PickWinnerPayload struct {
	BroadcastID string `json:"broadcast_id"`
}

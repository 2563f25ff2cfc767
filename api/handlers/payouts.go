package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/malbeclabs/clearing/settlement/pkg/payout"
)

// InstructionResponse is the JSON shape of a payout instruction.
type InstructionResponse struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Token     string    `json:"token"`
	Amount    uint64    `json:"amount"`
	Reason    string    `json:"reason"`
	EpochIDs  []uint64  `json:"epoch_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toInstructionResponse(inst *payout.Instruction) InstructionResponse {
	return InstructionResponse{
		ID:        inst.ID.String(),
		Account:   inst.Account.String(),
		Token:     inst.Token.String(),
		Amount:    inst.Amount,
		Reason:    string(inst.Reason),
		EpochIDs:  inst.EpochIDs,
		CreatedAt: inst.CreatedAt,
	}
}

// ListAccountPayouts returns an account's payout instructions, newest first.
func ListAccountPayouts(w http.ResponseWriter, r *http.Request) {
	account, ok := parseKeyParam(w, r, "account")
	if !ok {
		return
	}
	page := ParsePagination(r, DefaultLimit)

	insts, err := engine.ListPayouts(r.Context(), account, page.Limit, page.Offset)
	if err != nil {
		respondError(w, "Failed to list payouts", err)
		return
	}

	items := make([]InstructionResponse, len(insts))
	for i := range insts {
		items[i] = toInstructionResponse(&insts[i])
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(NewPaginatedResponse(items, page))
}

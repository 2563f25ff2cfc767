package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// PublicConfig holds settlement policy constants that are safe to expose to
// clients. Wallets use these to size bonds and render claim deadlines.
type PublicConfig struct {
	RewardToken          string `json:"rewardToken"`
	BondToken            string `json:"bondToken"`
	MinBond              uint64 `json:"minBond"`
	ChallengePeriodHours uint64 `json:"challengePeriodHours"`
	SlashBps             uint64 `json:"slashBps"`
	EpochDurationHours   uint64 `json:"epochDurationHours"`
}

// GetConfig returns public settlement policy configuration.
func GetConfig(w http.ResponseWriter, r *http.Request) {
	duration, err := engine.EpochDuration(r.Context())
	if err != nil {
		respondError(w, "Failed to get epoch duration", err)
		return
	}

	config := PublicConfig{
		RewardToken:          engine.RewardToken().String(),
		BondToken:            engine.BondToken().String(),
		MinBond:              engine.MinBond(),
		ChallengePeriodHours: uint64(engine.ChallengePeriod() / time.Hour),
		SlashBps:             engine.SlashBps(),
		EpochDurationHours:   uint64(duration / time.Hour),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(config)
}

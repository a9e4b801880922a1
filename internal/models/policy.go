package models

// Policy is the effective timing configuration for one session at decision time.
type Policy struct {
	PreparationMinutes         int  `json:"preparation_minutes"`
	LateJoinGracePeriodMinutes int  `json:"late_join_grace_period_minutes"`
	EndingBufferMinutes        int  `json:"ending_buffer_minutes"`
	HasPersonalGrace           bool `json:"has_personal_grace"`
}

// PolicyOverrides holds the optional per-entity or per-academy timing settings.
// A nil field means "not configured at this level".
type PolicyOverrides struct {
	PreparationMinutes         *int `json:"preparation_minutes,omitempty"`
	LateJoinGracePeriodMinutes *int `json:"late_join_grace_period_minutes,omitempty"`
	EndingBufferMinutes        *int `json:"ending_buffer_minutes,omitempty"`
}

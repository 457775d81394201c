package models

import "time"

// ReplenishReport summarises one replenish cycle.
type ReplenishReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Planned    int
	Succeeded  int
	Failed     int
	Pools      []PoolPlan
	// Err aggregates the per-pipeline failures, nil when every pipeline succeeded.
	Err error
}

// PoolPlan is the replenish decision for one pool.
type PoolPlan struct {
	CryptoTokenID int    `json:"crypto_token_id"`
	ProfileName   string `json:"profile_name"`
	Free          int64  `json:"free"`
	InUse         int64  `json:"in_use"`
	Provisioning  int64  `json:"provisioning"`
	ToGenerate    int    `json:"to_generate"`
}

// CleanupReport summarises one cleanup run.
type CleanupReport struct {
	Job       string
	Examined  int
	Processed int
	Skipped   int
	Failed    int
	// Err aggregates the per-item failures, nil when every item succeeded.
	Err error
}

// PoolStatus is a point-in-time view of one pool for the ops surfaces.
type PoolStatus struct {
	CryptoTokenID   int    `json:"crypto_token_id"`
	CryptoTokenName string `json:"crypto_token_name"`
	ProfileName     string `json:"profile_name"`
	Usage           string `json:"usage"`
	KeyAlgorithm    string `json:"key_algorithm"`
	DesiredSize     int    `json:"desired_size"`
	Free            int64  `json:"free"`
	InUse           int64  `json:"in_use"`
	Provisioning    int64  `json:"provisioning"`
}

package config

// RetentionConfig controls scheduled eviction, backup rotation and compaction.
type RetentionConfig struct {
	// RetentionDays is the default by_age policy applied when no explicit
	// policies are configured. Zero disables age-based eviction.
	RetentionDays int

	// BackupSchedule is a cron expression (minute hour dom month dow).
	BackupSchedule string

	// BackupKeep is the number of newest backup files retained.
	BackupKeep int

	// EvictionBatch is the per-transaction delete size, bounding lock time.
	EvictionBatch int

	// CompactionThreshold triggers a store reclaim after this many rows are
	// evicted in one run.
	CompactionThreshold int64
}

// DefaultRetentionConfig returns the built-in retention defaults: daily at
// 02:00, keep 30 days and 10 backups.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetentionDays:       30,
		BackupSchedule:      "0 2 * * *",
		BackupKeep:          10,
		EvictionBatch:       10000,
		CompactionThreshold: 1000000,
	}
}

// LoadRetentionConfig reads retention overrides from the environment.
func LoadRetentionConfig() RetentionConfig {
	cfg := DefaultRetentionConfig()
	cfg.RetentionDays = getInt("LOG_RETENTION_DAYS", cfg.RetentionDays)
	cfg.BackupSchedule = getEnv("BACKUP_SCHEDULE", cfg.BackupSchedule)
	cfg.BackupKeep = getInt("BACKUP_KEEP", cfg.BackupKeep)
	return cfg
}

package consts

// DrasonSweepAdvisoryLockID is a unique integer used for a PostgreSQL advisory
// lock so that only one engine instance runs the cooldown-expiry sweep at a
// time when multiple instances share a database.
const DrasonSweepAdvisoryLockID = 52183647 // A randomly chosen integer

// DrasonArchiveAdvisoryLockID guards the audit archive export job the same way.
const DrasonArchiveAdvisoryLockID = 52183648

// DrasonMigrateAdvisoryLockID guards schema migrations run by drason-admin.
const DrasonMigrateAdvisoryLockID = 52183649

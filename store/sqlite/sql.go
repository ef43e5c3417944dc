package sqlite

// The SQL needed for the persistent record store, grouped into one file
// the way dht/sql.go groups the teacher's NetDB statements.

const (
	sqlCreateRecordsTable = `
		CREATE TABLE IF NOT EXISTS
			record(
				key BLOB PRIMARY KEY NOT NULL,
				value BLOB NOT NULL,
				expiration INTEGER NOT NULL
			)
	`

	sqlIndexExpiration = `
		CREATE INDEX IF NOT EXISTS
			expirationIndex ON record(expiration)
	`

	sqlUpsertRecord = `
		INSERT INTO record (key, value, expiration)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expiration=excluded.expiration
	`

	sqlQueryRecord = `
		SELECT value, expiration FROM record WHERE key=?
	`

	sqlDeleteExpired = `
		DELETE FROM record WHERE expiration < ?
	`

	sqlDeleteRecord = `
		DELETE FROM record WHERE key=?
	`
)

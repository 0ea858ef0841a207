package sqlitestore

// Schema creates the tables used by Store. Turn ids are the
// (date, seq) pair; every dependent row cascades with its turn.
const Schema = `
CREATE TABLE IF NOT EXISTS turns (
	date         TEXT    NOT NULL,
	seq          INTEGER NOT NULL,
	started_at   TEXT    NOT NULL,
	persisted_at TEXT    NOT NULL,
	transcript   TEXT    NOT NULL,
	response     TEXT    NOT NULL,
	metadata     TEXT    NOT NULL,
	PRIMARY KEY (date, seq)
);

CREATE TABLE IF NOT EXISTS turn_audio (
	date        TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	kind        TEXT    NOT NULL,
	encoding    TEXT    NOT NULL,
	sample_rate INTEGER NOT NULL DEFAULT 0,
	data        BLOB    NOT NULL,
	PRIMARY KEY (date, seq, kind),
	FOREIGN KEY (date, seq) REFERENCES turns(date, seq) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS insights (
	date        TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	body        TEXT    NOT NULL,
	analyzed_at TEXT    NOT NULL,
	PRIMARY KEY (date, seq),
	FOREIGN KEY (date, seq) REFERENCES turns(date, seq) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS analysis_failures (
	date      TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	reason    TEXT    NOT NULL,
	failed_at TEXT    NOT NULL,
	PRIMARY KEY (date, seq),
	FOREIGN KEY (date, seq) REFERENCES turns(date, seq) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_turns_persisted ON turns(persisted_at);
`

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"studyline/internal/domain"
)

// StoredProtocol is the last protocol document successfully fetched for a
// project, kept as the fallback when the protocol source is unreachable.
type StoredProtocol struct {
	ProjectID string
	Doc       domain.ProtocolDoc
	FetchedAt string
}

func (r Repo) UpsertProtocolDoc(ctx context.Context, projectID string, doc domain.ProtocolDoc) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO protocol_docs(project_id,version,doc_json,fetched_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET version=excluded.version, doc_json=excluded.doc_json, fetched_at=excluded.fetched_at`,
		projectID, doc.Version, string(payload), now)
	return err
}

func (r Repo) GetProtocolDoc(ctx context.Context, projectID string) (StoredProtocol, error) {
	var sp StoredProtocol
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,doc_json,fetched_at FROM protocol_docs WHERE project_id=?`, projectID).
		Scan(&sp.ProjectID, &payload, &sp.FetchedAt)
	if err == sql.ErrNoRows {
		return sp, ErrNotFound
	}
	if err != nil {
		return sp, err
	}
	if err := json.Unmarshal([]byte(payload), &sp.Doc); err != nil {
		return sp, err
	}
	return sp, nil
}

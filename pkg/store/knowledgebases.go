package store

import (
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
)

type KnowledgeBaseRepo struct{ s *Store }

func (s *Store) KnowledgeBases() *KnowledgeBaseRepo { return &KnowledgeBaseRepo{s} }

func (r *KnowledgeBaseRepo) Create(kb *model.KnowledgeBase) error {
	if kb.CreatedAt.IsZero() {
		kb.CreatedAt = time.Now()
	}
	_, err := r.s.exec(`INSERT INTO knowledge_bases (id, owner, name, shared, created_at) VALUES (?,?,?,?,?)`,
		kb.ID, kb.Owner, kb.Name, boolInt(kb.Shared), kb.CreatedAt)
	return err
}

func (r *KnowledgeBaseRepo) Get(id string) (*model.KnowledgeBase, error) {
	row := r.s.queryRow(`SELECT id, owner, name, shared, created_at FROM knowledge_bases WHERE id = ?`, id)
	var kb model.KnowledgeBase
	var shared int
	if err := row.Scan(&kb.ID, &kb.Owner, &kb.Name, &shared, &kb.CreatedAt); err != nil {
		return nil, err
	}
	kb.Shared = shared != 0
	return &kb, nil
}

// ForOwner returns an owner's own knowledge bases plus every base marked
// shared, since a shared KB is readable across owners.
func (r *KnowledgeBaseRepo) ForOwner(owner string) ([]model.KnowledgeBase, error) {
	rows, err := r.s.query(`SELECT id, owner, name, shared, created_at FROM knowledge_bases
		WHERE owner = ? OR shared = 1`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KnowledgeBase
	for rows.Next() {
		var kb model.KnowledgeBase
		var shared int
		if err := rows.Scan(&kb.ID, &kb.Owner, &kb.Name, &shared, &kb.CreatedAt); err != nil {
			return nil, err
		}
		kb.Shared = shared != 0
		out = append(out, kb)
	}
	return out, rows.Err()
}

func (r *KnowledgeBaseRepo) Delete(id string) error {
	_, err := r.s.exec(`DELETE FROM knowledge_bases WHERE id = ?`, id)
	return err
}

type KBDocumentRepo struct{ s *Store }

func (s *Store) KBDocuments() *KBDocumentRepo { return &KBDocumentRepo{s} }

func (r *KBDocumentRepo) Create(d *model.KBDocument) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := r.s.exec(`INSERT INTO kb_documents (id, kb_id, type, indexed, content, file_handle, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.KBID, d.Type, boolInt(d.Indexed), d.Content, d.FileHandle, d.CreatedAt)
	return err
}

func (r *KBDocumentRepo) MarkIndexed(id string) error {
	_, err := r.s.exec(`UPDATE kb_documents SET indexed = 1 WHERE id = ?`, id)
	return err
}

func (r *KBDocumentRepo) ForKB(kbID string) ([]model.KBDocument, error) {
	rows, err := r.s.query(`SELECT id, kb_id, type, indexed, content, file_handle, created_at
		FROM kb_documents WHERE kb_id = ?`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KBDocument
	for rows.Next() {
		var d model.KBDocument
		var typ string
		var indexed int
		if err := rows.Scan(&d.ID, &d.KBID, &typ, &indexed, &d.Content, &d.FileHandle, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Type = model.KBDocType(typ)
		d.Indexed = indexed != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *KBDocumentRepo) Unindexed() ([]model.KBDocument, error) {
	rows, err := r.s.query(`SELECT id, kb_id, type, indexed, content, file_handle, created_at
		FROM kb_documents WHERE indexed = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KBDocument
	for rows.Next() {
		var d model.KBDocument
		var typ string
		var indexed int
		if err := rows.Scan(&d.ID, &d.KBID, &typ, &indexed, &d.Content, &d.FileHandle, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Type = model.KBDocType(typ)
		d.Indexed = indexed != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *KBDocumentRepo) Delete(id string) error {
	_, err := r.s.exec(`DELETE FROM kb_documents WHERE id = ?`, id)
	return err
}

package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// Memory is one embedded long-term memory snippet.
type Memory struct {
	ID          int64
	CharacterID string
	Content     string
	Embedding   []float32
	CreatedAt   time.Time
}

// MemoryHit is a search result with its similarity score.
type MemoryHit struct {
	Memory
	Score float64
}

// AddMemory stores a memory snippet with its embedding.
func (s *Store) AddMemory(characterID, content string, embedding []float32) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO memories (character_id, content, embedding) VALUES (?, ?, ?)`,
		characterID, content, encodeVector(embedding),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add memory: %w", err)
	}
	return res.LastInsertId()
}

// SearchMemories returns the topK memories most similar to the query
// embedding, by cosine similarity, best first.
//
// This is the portable scan path; with the sqlite_vec build tag the vec
// extension is registered on the driver and large installs can move the
// ranking into SQL.
func (s *Store) SearchMemories(characterID string, query []float32, topK int) ([]MemoryHit, error) {
	if topK <= 0 {
		topK = 5
	}

	rows, err := s.db.Query(
		`SELECT id, character_id, content, embedding, created_at FROM memories WHERE character_id = ?`,
		characterID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var hits []MemoryHit
	for rows.Next() {
		var m Memory
		var blob []byte
		if err := rows.Scan(&m.ID, &m.CharacterID, &m.Content, &blob, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		m.Embedding = decodeVector(blob)
		hits = append(hits, MemoryHit{Memory: m, Score: cosineSimilarity(query, m.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// encodeVector serializes float32 values as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// cosineSimilarity returns the cosine of the angle between a and b,
// or 0 when either has zero magnitude or the lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

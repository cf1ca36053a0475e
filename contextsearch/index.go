package contextsearch

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// SearchDeadline bounds one semantic lookup. Enrichment is best-effort:
// a slow search is abandoned, never retried.
const SearchDeadline = 800 * time.Millisecond

const embeddingDim = 64

// Message is one indexed channel message.
type Message struct {
	UserID string
	Text   string
	TS     string
}

// Index keeps an in-memory semantic index of recent channel messages, one
// collection per channel, used to pull related history into generation
// context. The embedding is a crude local hash projection: recall quality
// is explicitly not a goal, only rough topical adjacency.
type Index struct {
	db  *chromem.DB
	log *slog.Logger

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

func NewIndex(log *slog.Logger) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{
		db:          chromem.NewDB(),
		log:         log,
		collections: make(map[string]*chromem.Collection),
	}
}

// Add indexes one message. Failures are logged and dropped; the index is
// advisory.
func (i *Index) Add(ctx context.Context, channelID string, msg Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.TS == "" {
		return
	}
	coll, err := i.collection(channelID)
	if err != nil {
		i.log.Warn("contextsearch_collection_error", "channel_id", channelID, "error", err)
		return
	}
	doc := chromem.Document{
		ID:       msg.TS,
		Content:  text,
		Metadata: map[string]string{"user_id": msg.UserID, "ts": msg.TS},
	}
	if err := coll.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		i.log.Warn("contextsearch_add_error", "channel_id", channelID, "error", err)
	}
}

// Search returns up to k messages related to query, racing the lookup
// against SearchDeadline. On timeout or error the result is empty.
func (i *Index) Search(ctx context.Context, channelID, query string, k int) []Message {
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return nil
	}
	coll, err := i.collection(channelID)
	if err != nil {
		i.log.Warn("contextsearch_collection_error", "channel_id", channelID, "error", err)
		return nil
	}
	if count := coll.Count(); count < k {
		if count == 0 {
			return nil
		}
		k = count
	}

	searchCtx, cancel := context.WithTimeout(ctx, SearchDeadline)
	defer cancel()

	type outcome struct {
		results []chromem.Result
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		results, err := coll.Query(searchCtx, query, k, nil, nil)
		ch <- outcome{results, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			i.log.Warn("contextsearch_query_error", "channel_id", channelID, "error", out.err)
			return nil
		}
		msgs := make([]Message, 0, len(out.results))
		for _, res := range out.results {
			msgs = append(msgs, Message{
				UserID: res.Metadata["user_id"],
				Text:   res.Content,
				TS:     res.Metadata["ts"],
			})
		}
		return msgs
	case <-searchCtx.Done():
		i.log.Debug("contextsearch_deadline", "channel_id", channelID)
		return nil
	}
}

func (i *Index) collection(channelID string) (*chromem.Collection, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if coll, ok := i.collections[channelID]; ok {
		return coll, nil
	}
	coll, err := i.db.GetOrCreateCollection("channel-"+channelID, nil, hashEmbedding)
	if err != nil {
		return nil, fmt.Errorf("get or create collection: %w", err)
	}
	i.collections[channelID] = coll
	return coll, nil
}

// hashEmbedding projects tokens onto a fixed-size unit vector by hashing.
// Deliberately crude: shared tokens produce nearby vectors and that is all
// the enrichment path needs.
func hashEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(token, ".,!?:;\"'()")))
		vec[h.Sum32()%embeddingDim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for idx := range vec {
		vec[idx] *= scale
	}
	return vec, nil
}

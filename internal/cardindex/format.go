package cardindex

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/starford/cardex/internal/models"
)

const formatVersion = 1

type document struct {
	Version int                           `json:"version"`
	Cards   map[string]*models.CardRecord `json:"cards"`
}

// decodeIndex accepts the versioned document and the original flat
// cid → record map that predates it.
func decodeIndex(data []byte) (models.CardIndex, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return models.CardIndex{}, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var cards map[string]*models.CardRecord
	if raw, ok := probe["version"]; ok {
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if doc.Version != formatVersion {
			return nil, fmt.Errorf("unsupported index version %s", raw)
		}
		cards = doc.Cards
	} else if err := json.Unmarshal(data, &cards); err != nil {
		return nil, err
	}

	idx := make(models.CardIndex, len(cards))
	for cid, rec := range cards {
		if rec == nil {
			continue
		}
		rec.CID = cid
		rec.Locations = union(rec.Locations)
		idx[cid] = rec
	}
	return idx, nil
}

func encodeIndex(idx models.CardIndex) ([]byte, error) {
	cards := make(map[string]*models.CardRecord, len(idx))
	for cid, rec := range idx {
		out := rec.Clone()
		out.Locations = union(out.Locations)
		cards[cid] = out
	}
	return json.MarshalIndent(document{Version: formatVersion, Cards: cards}, "", "  ")
}

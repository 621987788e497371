package csvparser

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"EnrollDispatch/internal/models"
)

// ParseFile parses the recipient CSV at path.
func ParseFile(path string, maxRows int) ([]RecipientRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseRecipientRows(f, maxRows)
}

// Events turns recipient rows into email trigger events for source, all
// occurring at the given time.
func Events(rows []RecipientRow, source string, at time.Time) ([]models.TriggerEvent, error) {
	events := make([]models.TriggerEvent, 0, len(rows))
	for _, row := range rows {
		payload, err := json.Marshal(models.EmailPayload{
			To:   row.Email,
			Name: row.Name,
			Data: row.Fields,
		})
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", row.Line, err)
		}
		events = append(events, models.TriggerEvent{
			Payload:      payload,
			CampaignKind: models.KindEmail,
			SourceTag:    source,
			OccurredAt:   at,
		})
	}
	return events, nil
}

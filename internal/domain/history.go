package domain

import "time"

// HistoryCategoryCommunications is the audit category for sent communications.
const HistoryCategoryCommunications = "communications"

// HistoryEntry is one audit record appended against a person.
type HistoryEntry struct {
	PersonID      string    `json:"person_id" dynamodbav:"person_id"`
	Category      string    `json:"category" dynamodbav:"category"`
	Verb          string    `json:"verb" dynamodbav:"verb"`
	ChangeType    string    `json:"change_type" dynamodbav:"change_type"`
	Caption       string    `json:"caption" dynamodbav:"caption"`
	RelatedEntity string    `json:"related_entity" dynamodbav:"related_entity"`
	RelatedID     string    `json:"related_id" dynamodbav:"related_id"`
	RelatedName   string    `json:"related_name" dynamodbav:"related_name"`
	ActorPersonID string    `json:"actor_person_id,omitempty" dynamodbav:"actor_person_id,omitempty"`
	CreatedAt     time.Time `json:"created_at" dynamodbav:"created_at"`
}

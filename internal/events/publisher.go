// Package events publishes domain events to NATS for downstream consumers
// (notification bots, dashboards). Publishing is fire-and-forget: a broker
// outage must never fail a redemption.
package events

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Subjects
const (
	SubjectRedemptionCommitted = "teampool.redemption.committed"
	SubjectRedemptionFailed    = "teampool.redemption.failed"
	SubjectTeamSynced          = "teampool.team.synced"
	SubjectTeamLost            = "teampool.team.lost"
	SubjectMemberBanned        = "teampool.member.banned"
)

// Publisher publishes events to NATS. A nil Publisher (or one without a
// connection) silently drops events, so wiring NATS stays optional.
type Publisher struct {
	conn *nats.Conn
}

// New creates a publisher over an existing NATS connection
func New(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Publish marshals payload as JSON and publishes it on subject
func (p *Publisher) Publish(subject string, payload interface{}) {
	if p == nil || p.conn == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal event")
		return
	}

	if err := p.conn.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

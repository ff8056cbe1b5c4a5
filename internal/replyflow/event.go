package replyflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EventKind enumerates the notification types the platform delivers. The
// router switches exhaustively over these with a single fallback arm for
// kinds this build does not know about yet.
type EventKind string

const (
	KindComment       EventKind = "comment"
	KindDirectMessage EventKind = "direct_message"
	KindMention       EventKind = "mention"
	KindStoryInsight  EventKind = "story_insight"
	KindMediaUpdate   EventKind = "media_update"
	KindAccountReview EventKind = "account_review"
	KindLiveComment   EventKind = "live_comment"
	KindUnknown       EventKind = "unknown"
)

// KnownKinds lists every kind the router dispatches, in a stable order.
func KnownKinds() []EventKind {
	return []EventKind{
		KindComment,
		KindDirectMessage,
		KindMention,
		KindStoryInsight,
		KindMediaUpdate,
		KindAccountReview,
		KindLiveComment,
	}
}

// InboundEvent is one parsed notification. Immutable once created: the
// gateway builds it, every downstream stage only reads it.
type InboundEvent struct {
	PlatformID        string    `json:"platformId"`
	Kind              EventKind `json:"kind"`
	AccountID         string    `json:"accountId"`
	CounterpartID     string    `json:"counterpartId"`
	CounterpartHandle string    `json:"counterpartHandle"`
	Text              string    `json:"text"`
	ReceivedAt        time.Time `json:"receivedAt"`
}

// DedupKey derives the identity used by duplicate suppression. The platform
// id is the strong key; when the platform did not assign one the key is
// synthesized from sender, recipient and second-resolution timestamp. The
// composite form can under- or over-suppress near-simultaneous distinct
// messages from the same pair, which is accepted as a best-effort
// approximation with the scheduler cooldown as the second layer.
func (e InboundEvent) DedupKey() string {
	if e.PlatformID != "" {
		return string(e.Kind) + "|" + e.PlatformID
	}
	return fmt.Sprintf("%s|%s|%s|%d", e.Kind, e.CounterpartID, e.AccountID, e.ReceivedAt.Unix())
}

// Respondable reports whether the kind represents a counterpart speaking to
// the account, i.e. something an automation rule may answer.
func (e InboundEvent) Respondable() bool {
	switch e.Kind {
	case KindComment, KindDirectMessage, KindMention, KindLiveComment:
		return true
	default:
		return false
	}
}

type webhookDelivery struct {
	Object string          `json:"object"`
	Entry  []webhookEntry  `json:"entry"`
	Raw    json.RawMessage `json:"-"`
}

type webhookEntry struct {
	ID            string              `json:"id"`
	Time          int64               `json:"time"`
	Messaging     []messagingEvent    `json:"messaging,omitempty"`
	Comments      []commentEvent      `json:"comments,omitempty"`
	Mentions      []mentionEvent      `json:"mentions,omitempty"`
	StoryInsights []storyInsightEvent `json:"story_insights,omitempty"`
	Media         []mediaEvent        `json:"media,omitempty"`
	AccountReview *accountReviewEvent `json:"account_review_status,omitempty"`
	LiveComments  []commentEvent      `json:"live_comments,omitempty"`

	// Unmodeled holds entry field groups this build has no decoder for,
	// collected during unmarshal so they surface as KindUnknown events.
	Unmodeled []string `json:"-"`
}

// entryGroupKeys are the entry fields parsing models; anything else in an
// entry is an event group this build does not know about.
var entryGroupKeys = map[string]bool{
	"id":                    true,
	"time":                  true,
	"messaging":             true,
	"comments":              true,
	"mentions":              true,
	"story_insights":        true,
	"media":                 true,
	"account_review_status": true,
	"live_comments":         true,
}

func (e *webhookEntry) UnmarshalJSON(data []byte) error {
	type plain webhookEntry
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for key := range fields {
		if !entryGroupKeys[key] {
			decoded.Unmodeled = append(decoded.Unmodeled, key)
		}
	}
	sort.Strings(decoded.Unmodeled)
	*e = webhookEntry(decoded)
	return nil
}

type participant struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

type messagingEvent struct {
	Sender    participant `json:"sender"`
	Recipient participant `json:"recipient"`
	Timestamp int64       `json:"timestamp"`
	Message   struct {
		MID  string `json:"mid"`
		Text string `json:"text"`
	} `json:"message"`
}

type commentEvent struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	From      participant `json:"from"`
	MediaID   string      `json:"media_id,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

type mentionEvent struct {
	CommentID string      `json:"comment_id"`
	MediaID   string      `json:"media_id"`
	Text      string      `json:"text,omitempty"`
	From      participant `json:"from"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

type storyInsightEvent struct {
	MediaID     string `json:"media_id"`
	Impressions int64  `json:"impressions"`
	Reach       int64  `json:"reach"`
	TapsForward int64  `json:"taps_forward,omitempty"`
	TapsBack    int64  `json:"taps_back,omitempty"`
}

type mediaEvent struct {
	MediaID   string `json:"media_id"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type accountReviewEvent struct {
	Status string `json:"status"`
}

// ParseDelivery turns one verified webhook body into zero or more events.
// The payload is validated against the delivery schema first; a payload
// that fails validation or does not decode yields ErrMalformedPayload.
// Field groups the schema admits but this build does not model surface as
// KindUnknown events so new platform features degrade gracefully.
func ParseDelivery(body []byte, now time.Time) ([]InboundEvent, error) {
	if err := validateDelivery(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var delivery webhookDelivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(delivery.Entry) == 0 {
		return nil, nil
	}

	var events []InboundEvent
	for _, entry := range delivery.Entry {
		accountID := strings.TrimSpace(entry.ID)
		if accountID == "" {
			continue
		}
		for _, msg := range entry.Messaging {
			events = append(events, InboundEvent{
				PlatformID:        msg.Message.MID,
				Kind:              KindDirectMessage,
				AccountID:         accountID,
				CounterpartID:     msg.Sender.ID,
				CounterpartHandle: msg.Sender.Username,
				Text:              msg.Message.Text,
				ReceivedAt:        eventTime(msg.Timestamp, now),
			})
		}
		for _, c := range entry.Comments {
			events = append(events, InboundEvent{
				PlatformID:        c.ID,
				Kind:              KindComment,
				AccountID:         accountID,
				CounterpartID:     c.From.ID,
				CounterpartHandle: c.From.Username,
				Text:              c.Text,
				ReceivedAt:        eventTime(c.Timestamp, now),
			})
		}
		for _, m := range entry.Mentions {
			events = append(events, InboundEvent{
				PlatformID:        m.CommentID,
				Kind:              KindMention,
				AccountID:         accountID,
				CounterpartID:     m.From.ID,
				CounterpartHandle: m.From.Username,
				Text:              m.Text,
				ReceivedAt:        eventTime(m.Timestamp, now),
			})
		}
		for _, si := range entry.StoryInsights {
			events = append(events, InboundEvent{
				PlatformID: si.MediaID,
				Kind:       KindStoryInsight,
				AccountID:  accountID,
				Text:       fmt.Sprintf("impressions=%d reach=%d", si.Impressions, si.Reach),
				ReceivedAt: eventTime(entry.Time, now),
			})
		}
		for _, med := range entry.Media {
			events = append(events, InboundEvent{
				PlatformID: med.MediaID,
				Kind:       KindMediaUpdate,
				AccountID:  accountID,
				Text:       med.Action,
				ReceivedAt: eventTime(med.Timestamp, now),
			})
		}
		if entry.AccountReview != nil {
			events = append(events, InboundEvent{
				Kind:       KindAccountReview,
				AccountID:  accountID,
				Text:       entry.AccountReview.Status,
				ReceivedAt: eventTime(entry.Time, now),
			})
		}
		for _, lc := range entry.LiveComments {
			events = append(events, InboundEvent{
				PlatformID:        lc.ID,
				Kind:              KindLiveComment,
				AccountID:         accountID,
				CounterpartID:     lc.From.ID,
				CounterpartHandle: lc.From.Username,
				Text:              lc.Text,
				ReceivedAt:        eventTime(lc.Timestamp, now),
			})
		}
		for _, group := range entry.Unmodeled {
			events = append(events, InboundEvent{
				Kind:       KindUnknown,
				AccountID:  accountID,
				Text:       group,
				ReceivedAt: eventTime(entry.Time, now),
			})
		}
	}
	return events, nil
}

func eventTime(unixish int64, fallback time.Time) time.Time {
	if unixish <= 0 {
		return fallback
	}
	// The platform mixes second and millisecond precision across fields.
	if unixish > 1e12 {
		return time.UnixMilli(unixish).UTC()
	}
	return time.Unix(unixish, 0).UTC()
}

package ingest

import (
	"context"

	whats "github.com/AlvaroZev/rimont-inbox/connection"
	"github.com/AlvaroZev/rimont-inbox/dbtypes"
	"github.com/AlvaroZev/rimont-inbox/inbound"
	"github.com/AlvaroZev/rimont-inbox/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// storeAttachment obtains the media bytes and uploads them. Any failure is
// logged and reported as ok=false so the message is stored without it.
func (p *Pipeline) storeAttachment(ctx context.Context, log *logrus.Entry, conversationID uuid.UUID, m *inbound.Message) (storage.Stored, bool) {
	att := m.Attachment
	log = log.WithField("attachment_kind", att.Kind)

	media, err := p.attachmentBytes(ctx, m)
	if err != nil {
		stage := "fetch"
		var me *whats.MediaError
		if errors.As(err, &me) {
			stage = me.Stage
		}
		p.metrics.attachmentErrors.WithLabelValues(string(m.Provider), stage).Inc()
		log.WithError(err).Warn("attachment unavailable, storing message without it")
		return storage.Stored{}, false
	}
	if p.attachments == nil {
		p.metrics.attachmentErrors.WithLabelValues(string(m.Provider), "upload").Inc()
		log.Warn("no attachment store configured")
		return storage.Stored{}, false
	}

	mime := att.Mimetype
	if mime == "" {
		mime = media.Mimetype
	}
	filename := att.Filename
	if filename == "" {
		filename = media.Filename
	}
	stored, err := p.attachments.Put(ctx, storage.Upload{
		ConversationID: conversationID,
		Kind:           att.Kind,
		Filename:       filename,
		Mimetype:       mime,
		Data:           media.Data,
		At:             m.Timestamp,
	})
	if err != nil {
		p.metrics.attachmentErrors.WithLabelValues(string(m.Provider), "upload").Inc()
		log.WithError(err).Warn("attachment upload failed, storing message without it")
		return storage.Stored{}, false
	}
	// keep the sender's file name for display, the object path has the safe one
	if filename != "" {
		stored.Filename = filename
	}
	return stored, true
}

func (p *Pipeline) attachmentBytes(ctx context.Context, m *inbound.Message) (whats.Media, error) {
	att := m.Attachment
	if att.Inline() {
		return whats.Media{Data: att.Data, Mimetype: att.Mimetype, Filename: att.Filename}, nil
	}
	if att.MediaID == "" {
		return whats.Media{}, errors.WithStack(whats.ErrMediaUnavailable)
	}
	switch m.Provider {
	case dbtypes.ProviderCloud:
		if p.cloud != nil {
			return p.cloud.FetchMedia(ctx, att.MediaID)
		}
	case dbtypes.ProviderGateway:
		if p.gateway != nil && m.Instance != "" {
			return p.gateway.MediaBase64(ctx, m.Instance, att.MediaID)
		}
	}
	return whats.Media{}, errors.Wrapf(whats.ErrMediaUnavailable, "no %s media client", m.Provider)
}

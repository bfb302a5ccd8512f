package services

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"campaign-mailer/config"
	"campaign-mailer/database"
	"campaign-mailer/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mail "gopkg.in/gomail.v2"
)

type capturingSender struct {
	messages []*mail.Message
	err      error
}

func (c *capturingSender) DialAndSend(m ...*mail.Message) error {
	c.messages = append(c.messages, m...)
	return c.err
}

func newTestTemplateService(store *memStore, transport *fakeTransport, sender MailSender) *TemplateService {
	cfg := &config.Config{FromEmail: "test@example.com"}
	ms := NewMailServiceWithSender(cfg, sender, logger.Nop())
	return NewTemplateService(store, transport, ms, "https://mail.example.com", logger.Nop())
}

func TestCreateTemplateUploadsTransportTemplate(t *testing.T) {
	store, transport := newMemStore(), newFakeTransport()
	svc := newTestTemplateService(store, transport, &capturingSender{})

	tmpl, err := svc.Create(context.Background(), CreateTemplateInput{
		Name:    "Launch",
		Subject: "We launched",
		HTML:    `<p>Hi *|EMAIL|*</p><a href="*|UNSUB|*">leave</a>`,
	})
	require.NoError(t, err)

	assert.Equal(t, database.TemplateDrafted, tmpl.Status)
	assert.NotEmpty(t, tmpl.SESTemplate)
	content := transport.templates[tmpl.SESTemplate]
	assert.Equal(t, "We launched", content.Subject)
	assert.Equal(t, `<p>Hi {{email}}</p><a href="{{unsub}}">leave</a>`, content.HTML)
}

func TestCreateTemplateRollsBackOnInsertFailure(t *testing.T) {
	store, transport := newMemStore(), newFakeTransport()
	store.failInsertTemplate = true
	svc := newTestTemplateService(store, transport, &capturingSender{})

	_, err := svc.Create(context.Background(), CreateTemplateInput{Name: "Launch", Subject: "s", HTML: "<p/>"})

	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, transport.templates)
}

func TestListHidesReplicatedTemplates(t *testing.T) {
	store := newMemStore()
	store.addTemplate(database.Template{Name: "a"})
	store.addTemplate(database.Template{Name: "b", Replicated: true})
	store.addTemplate(database.Template{Name: "c", Status: database.TemplateFinished})
	svc := newTestTemplateService(store, newFakeTransport(), &capturingSender{})

	all, err := svc.List(context.Background(), "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	finished, err := svc.List(context.Background(), database.TemplateFinished, 0, 0)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, "c", finished[0].Name)
}

func TestDeleteTemplate(t *testing.T) {
	store := newMemStore()
	tmpl := store.addTemplate(database.Template{Name: "a"})
	svc := newTestTemplateService(store, newFakeTransport(), &capturingSender{})

	require.NoError(t, svc.Delete(context.Background(), tmpl.ID))
	assert.ErrorIs(t, svc.Delete(context.Background(), tmpl.ID), ErrNotFound)
	_, err := svc.Get(context.Background(), tmpl.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendTestRendersRecipientVariables(t *testing.T) {
	store, transport := newMemStore(), newFakeTransport()
	tmpl := store.addTemplate(database.Template{Name: "a"})
	transport.templates[tmpl.SESTemplate] = TemplateContent{Subject: "Hello", HTML: `<p>{{email}}</p><a href="{{unsub}}">x</a>`}
	sender := &capturingSender{}
	svc := newTestTemplateService(store, transport, sender)

	require.NoError(t, svc.SendTest(context.Background(), tmpl.ID, "qa@example.com", 3))

	require.Len(t, sender.messages, 1)
	m := sender.messages[0]
	assert.Equal(t, []string{"qa@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"[TEST] Hello"}, m.GetHeader("Subject"))
	assert.Equal(t, []string{"test@example.com"}, m.GetHeader("From"))

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "qa@example.com")
	assert.NotContains(t, buf.String(), "{{unsub}}")
}

func TestSendTestReportsRelayFailure(t *testing.T) {
	store, transport := newMemStore(), newFakeTransport()
	tmpl := store.addTemplate(database.Template{Name: "a"})
	transport.templates[tmpl.SESTemplate] = TemplateContent{Subject: "Hello", HTML: "<p/>"}
	svc := newTestTemplateService(store, transport, &capturingSender{err: errors.New("connection refused")})

	err := svc.SendTest(context.Background(), tmpl.ID, "qa@example.com", 0)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestNewMailServiceValidatesMailHub(t *testing.T) {
	_, err := NewMailService(&config.Config{MailHub: "smtp.example.com"}, logger.Nop())
	assert.Error(t, err)

	_, err = NewMailService(&config.Config{MailHub: "smtp.example.com:abc"}, logger.Nop())
	assert.Error(t, err)

	ms, err := NewMailService(&config.Config{MailHub: "smtp.example.com:587"}, logger.Nop())
	require.NoError(t, err)
	assert.NotNil(t, ms)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"campaign-mailer/database"
)

var errInjected = errors.New("injected failure")

// memStore is an in-memory Store used by the engine tests.
type memStore struct {
	mu sync.Mutex

	templates      map[int64]*database.Template
	nextTemplateID int64

	audiences      map[int64]bool
	segments       map[int64]int64
	segmentMembers map[int64]map[int64]bool
	recipients     map[int64]*database.Recipient
	nextRecipient  int64
	membership     map[int64]map[int64]string
	cleaned        map[int64]map[int64]bool
	campaigns      map[string]map[int64]map[int64]bool // kind -> recipient -> template

	stats map[int64]map[string]map[string]bool
	logs  []database.DispatchLog

	failRecordSend     int
	failInsertTemplate bool
	failPageFetch      int
}

func newMemStore() *memStore {
	return &memStore{
		templates:      make(map[int64]*database.Template),
		audiences:      make(map[int64]bool),
		segments:       make(map[int64]int64),
		segmentMembers: make(map[int64]map[int64]bool),
		recipients:     make(map[int64]*database.Recipient),
		membership:     make(map[int64]map[int64]string),
		cleaned:        make(map[int64]map[int64]bool),
		campaigns: map[string]map[int64]map[int64]bool{
			"sent":   {},
			"unsent": {},
		},
		stats: make(map[int64]map[string]map[string]bool),
	}
}

func (s *memStore) addTemplate(t database.Template) *database.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTemplateID++
	t.ID = s.nextTemplateID
	if t.Status == "" {
		t.Status = database.TemplateDrafted
	}
	if t.SESTemplate == "" {
		t.SESTemplate = fmt.Sprintf("ses-%d", t.ID)
	}
	s.templates[t.ID] = &t
	cp := t
	return &cp
}

func (s *memStore) template(id int64) database.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.templates[id]
}

func (s *memStore) addAudience(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audiences[id] = true
	if s.membership[id] == nil {
		s.membership[id] = make(map[int64]string)
	}
}

func (s *memStore) addSegment(id, audienceID int64, recipientIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[id] = audienceID
	members := make(map[int64]bool, len(recipientIDs))
	for _, r := range recipientIDs {
		members[r] = true
	}
	s.segmentMembers[id] = members
}

// subscribe creates n recipients subscribed to audienceID and returns their
// ids in insertion order.
func (s *memStore) subscribe(audienceID int64, n int) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		s.nextRecipient++
		id := s.nextRecipient
		s.recipients[id] = &database.Recipient{ID: id, Email: fmt.Sprintf("user%04d@example.com", id)}
		s.membership[audienceID][id] = database.Subscribed
		ids = append(ids, id)
	}
	return ids
}

func (s *memStore) state(audienceID, recipientID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membership[audienceID][recipientID]
}

func (s *memStore) events(templateID int64, event string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for e := range s.stats[templateID][event] {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func (s *memStore) dispatchLogs() []database.DispatchLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]database.DispatchLog, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *memStore) GetTemplate(_ context.Context, id int64) (*database.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok || t.IsDeleted {
		return nil, database.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) MarkTemplateUsed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok || t.IsDeleted || t.Used {
		return database.ErrNotFound
	}
	t.Used = true
	return nil
}

func (s *memStore) InsertTemplate(_ context.Context, t *database.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsertTemplate {
		return errInjected
	}
	s.nextTemplateID++
	t.ID = s.nextTemplateID
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *memStore) SetTemplateStatus(_ context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return database.ErrNotFound
	}
	t.Status = status
	if status == database.TemplateFinished {
		now := time.Now()
		t.FinishedAt = &now
	}
	return nil
}

func (s *memStore) ListTemplates(_ context.Context, f database.TemplateFilter) ([]*database.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Template
	for _, t := range s.templates {
		if t.IsDeleted || (t.Replicated && !f.IncludeReplicated) || (f.Status != "" && t.Status != f.Status) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) SoftDeleteTemplate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok || t.IsDeleted {
		return database.ErrNotFound
	}
	t.IsDeleted = true
	return nil
}

func (s *memStore) AudienceSubscriberCount(_ context.Context, audienceID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.audiences[audienceID] {
		return 0, database.ErrNotFound
	}
	return len(s.subscribedLocked(database.RecipientSource{AudienceID: audienceID})), nil
}

func (s *memStore) SegmentSubscriberCount(_ context.Context, segmentID, audienceID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.segments[segmentID]; !ok || owner != audienceID {
		return 0, database.ErrNotFound
	}
	return len(s.subscribedLocked(database.RecipientSource{AudienceID: audienceID, SegmentID: segmentID})), nil
}

func (s *memStore) subscribedLocked(src database.RecipientSource) []int64 {
	var ids []int64
	for id, state := range s.membership[src.AudienceID] {
		if state != database.Subscribed || s.recipients[id].IsDeleted {
			continue
		}
		if src.SegmentID != 0 && !s.segmentMembers[src.SegmentID][id] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *memStore) RecipientPage(_ context.Context, src database.RecipientSource, afterID int64, offset, limit int) ([]database.RecipientAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPageFetch > 0 {
		s.failPageFetch--
		return nil, errInjected
	}
	var page []database.RecipientAddress
	skipped := 0
	for _, id := range s.subscribedLocked(src) {
		if id <= afterID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(page) == limit {
			break
		}
		page = append(page, database.RecipientAddress{ID: id, Email: s.recipients[id].Email})
	}
	return page, nil
}

func (s *memStore) SetMembership(_ context.Context, audienceID, recipientID int64, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.audiences[audienceID] {
		return database.ErrNotFound
	}
	s.membership[audienceID][recipientID] = state
	return nil
}

func (s *memStore) CleanRecipient(_ context.Context, audienceID, recipientID, templateID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.audiences[audienceID] {
		return database.ErrNotFound
	}
	s.membership[audienceID][recipientID] = database.Unsubscribed
	if s.cleaned[audienceID] == nil {
		s.cleaned[audienceID] = make(map[int64]bool)
	}
	s.cleaned[audienceID][recipientID] = true
	s.addCampaignLocked("unsent", recipientID, templateID)
	return nil
}

func (s *memStore) addCampaignLocked(kind string, recipientID, templateID int64) {
	if s.campaigns[kind][recipientID] == nil {
		s.campaigns[kind][recipientID] = make(map[int64]bool)
	}
	s.campaigns[kind][recipientID][templateID] = true
}

func (s *memStore) hasCampaign(kind string, recipientID, templateID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaigns[kind][recipientID][templateID]
}

func (s *memStore) EnsureStatistics(_ context.Context, templateID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stats[templateID]; ok {
		return false, nil
	}
	s.stats[templateID] = make(map[string]map[string]bool)
	return true, nil
}

func (s *memStore) CountEvent(_ context.Context, templateID int64, event string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stats[templateID][event]), nil
}

func (s *memStore) addEventsLocked(templateID int64, event string, emails []string) {
	if s.stats[templateID] == nil {
		s.stats[templateID] = make(map[string]map[string]bool)
	}
	if s.stats[templateID][event] == nil {
		s.stats[templateID][event] = make(map[string]bool)
	}
	for _, e := range emails {
		s.stats[templateID][event][e] = true
	}
}

func (s *memStore) AddEvents(_ context.Context, templateID int64, event string, emails []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEventsLocked(templateID, event, emails)
	return nil
}

func (s *memStore) RemoveEvents(_ context.Context, templateID int64, event string, emails []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range emails {
		delete(s.stats[templateID][event], e)
	}
	return nil
}

func (s *memStore) RecordSend(_ context.Context, templateID int64, emails []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRecordSend > 0 {
		s.failRecordSend--
		return errInjected
	}
	s.addEventsLocked(templateID, database.EventDelivery, emails)
	s.addEventsLocked(templateID, database.EventSend, emails)
	return nil
}

func (s *memStore) GetStatistics(_ context.Context, templateID int64) (*database.Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sets, ok := s.stats[templateID]
	if !ok {
		return nil, database.ErrNotFound
	}
	stats := &database.Statistics{TemplateID: templateID, Events: make(map[string][]string)}
	for _, e := range database.StatisticEvents {
		list := []string{}
		for addr := range sets[e] {
			list = append(list, addr)
		}
		sort.Strings(list)
		stats.Events[e] = list
	}
	return stats, nil
}

func (s *memStore) FindRecipientByEmail(_ context.Context, email string) (*database.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients {
		if strings.EqualFold(r.Email, email) && !r.IsDeleted {
			cp := *r
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) AddSentCampaign(_ context.Context, emails []string, templateID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(emails))
	for _, e := range emails {
		wanted[e] = true
	}
	for id, r := range s.recipients {
		if wanted[r.Email] {
			s.addCampaignLocked("sent", id, templateID)
		}
	}
	return nil
}

func (s *memStore) InsertDispatchLog(_ context.Context, l *database.DispatchLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = int64(len(s.logs) + 1)
	l.SentAt = time.Now()
	s.logs = append(s.logs, *l)
	return nil
}

type bulkCall struct {
	sender     string
	template   string
	configSet  string
	addresses  []string
	unsubLinks []string
}

// fakeTransport records every call and can be told to fail or reject.
type fakeTransport struct {
	mu sync.Mutex

	templates  map[string]TemplateContent
	configSets map[string]string
	deleted    []string
	calls      []bulkCall

	failSends int
	rejected  map[string]bool
	afterSend func(call int)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		templates:  make(map[string]TemplateContent),
		configSets: make(map[string]string),
		rejected:   make(map[string]bool),
	}
}

func (f *fakeTransport) sentAddresses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.addresses...)
	}
	return out
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) SendBulkTemplatedEmail(_ context.Context, sender, templateName string, destinations []BulkDestination, configurationSet string) (*BulkSendResult, error) {
	f.mu.Lock()
	if f.failSends > 0 {
		f.failSends--
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: throttled", ErrTransport)
	}
	call := bulkCall{sender: sender, template: templateName, configSet: configurationSet}
	result := &BulkSendResult{}
	for _, d := range destinations {
		call.addresses = append(call.addresses, d.Address)
		call.unsubLinks = append(call.unsubLinks, d.ReplacementData["unsub"])
		if f.rejected[d.Address] {
			result.Failed = append(result.Failed, d.Address)
			continue
		}
		result.Accepted = append(result.Accepted, d.Address)
		result.MessageIDs = append(result.MessageIDs, "msg-"+d.Address)
	}
	f.calls = append(f.calls, call)
	n := len(f.calls)
	hook := f.afterSend
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return result, nil
}

func (f *fakeTransport) CreateTemplate(_ context.Context, name string, content TemplateContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[name] = content
	return nil
}

func (f *fakeTransport) GetTemplate(_ context.Context, name string) (*TemplateContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.templates[name]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", name, ErrNotFound)
	}
	return &c, nil
}

func (f *fakeTransport) UpdateTemplate(_ context.Context, name string, content TemplateContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.templates[name]; !ok {
		return fmt.Errorf("%w: no template %s", ErrTransport, name)
	}
	f.templates[name] = content
	return nil
}

func (f *fakeTransport) DeleteTemplate(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.templates, name)
	return nil
}

func (f *fakeTransport) CreateConfigurationSet(_ context.Context, name, topicARN string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configSets[name] = topicARN
	return nil
}

func (f *fakeTransport) DeleteConfigurationSet(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.configSets, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeTransport) ListConfigurationSets(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for n := range f.configSets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// eventLog captures progress events.
type eventLog struct {
	mu     sync.Mutex
	events []EmailBuffer
}

func (l *eventLog) observe(event string, payload interface{}) {
	if eb, ok := payload.(EmailBuffer); ok && event == EventEmailBuffer {
		l.mu.Lock()
		l.events = append(l.events, eb)
		l.mu.Unlock()
	}
}

func (l *eventLog) all() []EmailBuffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EmailBuffer, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) last() EmailBuffer {
	all := l.all()
	if len(all) == 0 {
		return EmailBuffer{}
	}
	return all[len(all)-1]
}

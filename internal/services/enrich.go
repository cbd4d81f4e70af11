package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"capproxy/internal/models"
	"capproxy/pkg/utils"

	"github.com/mssola/user_agent"
)

const (
	anonymousExternalID = "anonymous"
	eventIDLength       = 32

	leadDefaultValue    = 1
	leadDefaultCurrency = "BRL"
)

// GeoResolver resolves an IP to coarse location attributes.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) Geo
}

// RequestContext is what the pipeline needs to know about the inbound request.
type RequestContext struct {
	IP            ResolvedIP
	UserAgent     string
	Referer       string
	Origin        string
	FBCCookie     string
	FBPCookie     string
	SessionCookie string
}

// Result is the outcome of processing one batch.
type Result struct {
	Events        []models.Event
	OriginalCount int
	Blocked       int
	BotsFiltered  int
	IP            ResolvedIP
	Cookie        *http.Cookie
}

// EnrichmentService turns raw events into canonical, hashed, deduplicated
// events ready for the Conversions API.
type EnrichmentService struct {
	dedup      *DedupService
	geo        GeoResolver
	logger     *slog.Logger
	filterBots bool
	now        func() time.Time
}

func NewEnrichmentService(dedup *DedupService, geo GeoResolver, filterBots bool, logger *slog.Logger) *EnrichmentService {
	return &EnrichmentService{
		dedup:      dedup,
		geo:        geo,
		logger:     logger,
		filterBots: filterBots,
		now:        time.Now,
	}
}

// Process runs events through the pipeline in array order.
func (s *EnrichmentService) Process(ctx context.Context, events []models.Event, rc RequestContext) Result {
	now := s.now()
	res := Result{OriginalCount: len(events), IP: rc.IP}

	candidates := make([]models.Event, 0, len(events))
	for _, ev := range events {
		if s.filterBots && isBot(firstNonEmpty(ev.UserData.ClientUserAgent, rc.UserAgent)) {
			res.BotsFiltered++
			continue
		}
		if ev.EventTime == 0 {
			ev.EventTime = models.UnixTime(now.Unix())
		}
		if ev.EventID == "" {
			ev.EventID = DeriveEventID(ev)
		}
		candidates = append(candidates, ev)
	}

	admitted := candidates[:0]
	for _, ev := range candidates {
		if s.dedup.IsDuplicate(ev.EventID) {
			res.Blocked++
			s.logger.Debug("Pipeline: Duplicate event blocked", "event_id", ev.EventID, "event_name", ev.EventName)
			continue
		}
		admitted = append(admitted, ev)
	}

	p := &pass{svc: s, ctx: ctx, rc: rc, now: now, externalIDs: map[string]string{}}
	for i := range admitted {
		p.enrich(&admitted[i])
	}
	res.Events = admitted
	res.Cookie = p.cookie
	return res
}

// DeriveEventID hashes the logical identity of an event so retries of the
// same event collapse to the same id.
func DeriveEventID(ev models.Event) string {
	ext := strings.TrimSpace(ev.UserData.ExternalID)
	if ext == "" {
		ext = anonymousExternalID
	}
	key := ev.EventName + "|" + strconv.FormatInt(int64(ev.EventTime), 10) + "|" + ext + "|" + ev.EventSourceURL
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:eventIDLength]
}

// pass holds per-request state shared by the events of one batch.
type pass struct {
	svc         *EnrichmentService
	ctx         context.Context
	rc          RequestContext
	now         time.Time
	ipGeo       *Geo
	externalIDs map[string]string
	cookie      *http.Cookie
}

func (p *pass) enrich(ev *models.Event) {
	ud := &ev.UserData

	p.resolveIdentity(ev)
	ev.SessionID = ""

	if ev.ActionSource == "" {
		ev.ActionSource = models.ActionSourceWebsite
	}

	if p.rc.IP.Address != "" && (p.rc.IP.Public() || ud.ClientIPAddress == "") {
		ud.ClientIPAddress = FormatForTransmission(p.rc.IP.Address)
	} else if ud.ClientIPAddress != "" {
		ud.ClientIPAddress = FormatForTransmission(ud.ClientIPAddress)
	}
	if ud.ClientUserAgent == "" {
		ud.ClientUserAgent = p.rc.UserAgent
	}

	p.fillGeo(ud)
	hashUserData(ud)
	p.reconcileClickID(ev)
	if ud.FBP == "" {
		ud.FBP = p.rc.FBPCookie
	}

	p.dropUnsupportedCustomData(ev)
	applyCustomDataPolicy(ev)
}

func (p *pass) dropUnsupportedCustomData(ev *models.Event) {
	keys := ev.CustomData.Unsupported()
	if len(keys) == 0 {
		return
	}
	for _, k := range keys {
		delete(ev.CustomData, k)
	}
	if len(ev.CustomData) == 0 {
		ev.CustomData = nil
	}
	p.svc.logger.Warn("Pipeline: Dropped unsupported custom_data values", "event_id", ev.EventID, "event_name", ev.EventName, "keys", keys)
}

func (p *pass) resolveIdentity(ev *models.Event) {
	ud := &ev.UserData
	if ext := strings.TrimSpace(ud.ExternalID); ext != "" {
		ud.ExternalID = utils.HashOnce(ext)
		return
	}

	session := firstNonEmpty(ev.SessionID, p.rc.SessionCookie)
	if session == "" {
		session = utils.NewSessionID(p.now)
	}
	// Events of one request sharing a session share the synthesized id.
	if id, ok := p.externalIDs[session]; ok {
		ud.ExternalID = id
		return
	}
	id := utils.HashPII(strconv.FormatInt(p.now.UnixMilli(), 10) + ":" + utils.RandomString(12) + ":" + session)
	p.externalIDs[session] = id
	ud.ExternalID = id
}

// fillGeo keeps caller-supplied location fields and back-fills only the
// missing ones from the IP.
func (p *pass) fillGeo(ud *models.UserData) {
	if ud.Country != "" && ud.State != "" && ud.City != "" && ud.Postal != "" {
		return
	}
	if !p.rc.IP.Public() {
		return
	}
	if p.ipGeo == nil {
		g := p.svc.geo.Resolve(p.ctx, p.rc.IP.Address)
		p.ipGeo = &g
	}
	ud.Country = firstNonEmpty(ud.Country, p.ipGeo.Country)
	ud.State = firstNonEmpty(ud.State, p.ipGeo.State)
	ud.City = firstNonEmpty(ud.City, p.ipGeo.City)
	ud.Postal = firstNonEmpty(ud.Postal, p.ipGeo.Postal)
}

func (p *pass) reconcileClickID(ev *models.Event) {
	ud := &ev.UserData
	existing := p.rc.FBCCookie

	var clickID string
	switch {
	case strings.TrimSpace(ud.FBC) != "":
		ud.FBC = CanonicalizeFBC(ud.FBC, p.now)
		clickID, _ = ClickIDFromFBC(ud.FBC)
	default:
		id, fromURL := ExtractClickID([]string{ev.EventSourceURL, p.rc.Referer, p.rc.Origin}, "")
		if fromURL {
			clickID = id
			if current, ok := ClickIDFromFBC(existing); ok && current == id {
				ud.FBC = strings.TrimSpace(existing)
			} else {
				ud.FBC = BuildFBC(id, p.now)
			}
		} else if _, ok := ClickIDFromFBC(existing); ok {
			ud.FBC = CanonicalizeFBC(strings.TrimSpace(existing), p.now)
			return
		}
	}

	if clickID != "" && p.cookie == nil {
		if c, ok := FBCCookie(clickID, existing, p.now); ok {
			p.cookie = c
		}
	}
}

func hashUserData(ud *models.UserData) {
	ud.Email = hashField(ud.Email, strings.ToLower)
	ud.Phone = hashField(ud.Phone, digitsOnly)
	ud.FirstName = hashField(ud.FirstName, strings.ToLower)
	ud.LastName = hashField(ud.LastName, strings.ToLower)
	ud.City = hashField(ud.City, strings.ToLower)
	ud.State = hashField(ud.State, strings.ToLower)
	ud.Country = hashField(ud.Country, strings.ToLower)
	ud.Postal = hashField(ud.Postal, nil)
}

// hashField normalizes and hashes a present value. Absent values stay
// absent and pre-hashed values pass through.
func hashField(v string, normalize func(string) string) string {
	v = strings.TrimSpace(v)
	if v == "" || utils.IsHashed(v) {
		return v
	}
	if normalize != nil {
		v = normalize(v)
	}
	return utils.HashPII(v)
}

func applyCustomDataPolicy(ev *models.Event) {
	switch ev.EventName {
	case models.EventPageView:
		delete(ev.CustomData, "value")
		delete(ev.CustomData, "currency")
		if len(ev.CustomData) == 0 {
			ev.CustomData = nil
		}
	case models.EventLead:
		if ev.CustomData == nil {
			ev.CustomData = models.CustomData{}
		}
		if v, ok := ev.CustomData["value"]; !ok || v.Kind() == models.KindNull {
			ev.CustomData["value"] = models.Number(leadDefaultValue)
		}
		if v, ok := ev.CustomData["currency"]; !ok || v.Kind() == models.KindNull || v.Str() == "" {
			ev.CustomData["currency"] = models.String(leadDefaultCurrency)
		}
	}
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func isBot(ua string) bool {
	if ua == "" {
		return false
	}
	return user_agent.New(ua).Bot()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

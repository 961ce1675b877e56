package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type localeKey struct{}
type countryKey struct{}

// CountryLookup resolves an ISO country code for an IP address.
type CountryLookup func(ip string) (string, error)

// Donation pages exist in these languages. The first entry is the default.
var pageLanguages = language.NewMatcher([]language.Tag{
	language.Russian,
	language.Kirghiz,
	language.English,
})

var countryLanguage = map[string]language.Tag{
	"KG": language.Kirghiz,
	"RU": language.Russian,
	"KZ": language.Russian,
	"BY": language.Russian,
	"UZ": language.Russian,
	"TJ": language.Russian,
}

// I18N stores the donor's page language and best-effort country in the
// request context. Checkout passes both on to the donation and the gateway.
//
// The language comes from X-Locale, then Accept-Language, then the country,
// then fallback.
func I18N(fallback string, lookup CountryLookup) func(http.Handler) http.Handler {
	def := language.Russian
	if tag, err := language.Parse(fallback); err == nil {
		def = tag
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			country := ResolveCountry(r, lookup)
			ctx := context.WithValue(r.Context(), localeKey{}, pageLanguage(r, country, def))
			if country != "" {
				ctx = context.WithValue(ctx, countryKey{}, country)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func pageLanguage(r *http.Request, country string, def language.Tag) string {
	for _, header := range []string{"X-Locale", "Accept-Language"} {
		if tag, ok := matchHeader(r.Header.Get(header)); ok {
			return baseString(tag)
		}
	}
	if tag, ok := countryLanguage[country]; ok {
		return baseString(tag)
	}
	if country != "" {
		return "en"
	}
	return baseString(def)
}

// matchHeader matches a locale or Accept-Language value against the page
// languages. Unrelated languages do not match.
func matchHeader(value string) (language.Tag, bool) {
	if strings.TrimSpace(value) == "" {
		return language.Und, false
	}
	tags, _, err := language.ParseAcceptLanguage(strings.ReplaceAll(value, "_", "-"))
	if err != nil || len(tags) == 0 {
		return language.Und, false
	}
	tag, _, conf := pageLanguages.Match(tags...)
	if conf == language.No {
		return language.Und, false
	}
	return tag, true
}

func baseString(tag language.Tag) string {
	base, _ := tag.Base()
	return base.String()
}

// LocaleFromContext returns the page language, "ru" when none was stored.
func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(localeKey{}).(string); ok {
		return v
	}
	return "ru"
}

func CountryFromContext(ctx context.Context) string {
	v, _ := ctx.Value(countryKey{}).(string)
	return v
}

// ResolveCountry picks the donor's country from CDN headers, then the IP
// lookup, then the region subtag of the requested locale.
func ResolveCountry(r *http.Request, lookup CountryLookup) string {
	if r == nil {
		return ""
	}
	for _, key := range []string{"X-Country-Code", "CF-IPCountry"} {
		if v := strings.TrimSpace(r.Header.Get(key)); v != "" {
			return strings.ToUpper(v)
		}
	}
	if lookup != nil {
		if ip := ClientIP(r); ip != "" {
			if country, err := lookup(ip); err == nil && country != "" {
				return strings.ToUpper(country)
			}
		}
	}
	for _, header := range []string{"X-Locale", "Accept-Language"} {
		if region := explicitRegion(r.Header.Get(header)); region != "" {
			return region
		}
	}
	return ""
}

// explicitRegion returns the region subtag of the first preference that
// names one. Inferred regions ("ru" implies RU) are ignored.
func explicitRegion(value string) string {
	tags, _, err := language.ParseAcceptLanguage(strings.ReplaceAll(value, "_", "-"))
	if err != nil {
		return ""
	}
	for _, tag := range tags {
		if region, conf := tag.Region(); conf == language.Exact {
			return region.String()
		}
	}
	return ""
}

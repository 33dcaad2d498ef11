package skyvern

import (
	"fmt"
	"strings"

	"go-soknad-automation/internal/models"
)

// Site is a recruitment platform the agent has tailored instructions for.
type Site string

const (
	SiteGeneric    Site = "generic"
	SiteWebcruiter Site = "webcruiter"
	SiteEasycruit  Site = "easycruit"
	SiteJobylon    Site = "jobylon"
	SiteTeamtailor Site = "teamtailor"
	SiteLever      Site = "lever"
	SiteRecman     Site = "recman"
	SiteCVPartner  Site = "cvpartner"
	SiteReachMee   Site = "reachmee"
	SiteVarbi      Site = "varbi"
	SiteHRManager  Site = "hrmanager"
	SiteFinn       Site = "finn"
	SiteNav        Site = "nav"
)

// Order matters: the first matching fragment wins.
var siteMatchers = []struct {
	site      Site
	fragments []string
}{
	{SiteWebcruiter, []string{"webcruiter.no", "webcruiter.com"}},
	{SiteEasycruit, []string{"easycruit.com"}},
	{SiteJobylon, []string{"jobylon.com"}},
	{SiteTeamtailor, []string{"teamtailor.com"}},
	{SiteLever, []string{"lever.co"}},
	{SiteRecman, []string{"recman.no", "recman.page"}},
	{SiteCVPartner, []string{"cvpartner.com"}},
	{SiteReachMee, []string{"reachmee.com"}},
	{SiteVarbi, []string{"varbi.com"}},
	{SiteHRManager, []string{"hrmanager.no"}},
	{SiteFinn, []string{"finn.no"}},
	{SiteNav, []string{"nav.no", "arbeidsplassen"}},
}

func DetectSite(domain string) Site {
	domain = strings.ToLower(domain)
	for _, m := range siteMatchers {
		for _, f := range m.fragments {
			if strings.Contains(domain, f) {
				return m.site
			}
		}
	}
	return SiteGeneric
}

func (s Site) Supported() bool { return s != SiteGeneric }

type siteHints struct {
	title         string
	cookieButtons string
	registerLinks string
	applyButtons  string
	notes         []string
}

var defaultHints = siteHints{
	title:         "this recruitment website",
	cookieButtons: `"Godta alle", "Accept all", "OK", "I agree"`,
	registerLinks: `"Register", "Sign up", "Create account", "Registrer deg", "Opprett konto", "Ny bruker"`,
	applyButtons:  `"Apply", "Søk", "Send søknad", "Søk på stillingen", "Apply now"`,
}

var hintsBySite = map[Site]siteHints{
	SiteWebcruiter: {
		title:         "the Webcruiter recruitment platform",
		cookieButtons: `"Godta alle", "Aksepter"`,
		registerLinks: `"Opprett bruker", "Ny bruker", "Registrer deg som arbeidssøker"`,
		applyButtons:  `"Søk på stillingen", "Apply", "Send søknad"`,
		notes:         []string{"Phone numbers should include the country code (+47 for Norway)."},
	},
	SiteEasycruit: {
		title:         "the Easycruit recruitment platform",
		cookieButtons: `"Accept", "Godta alle"`,
		registerLinks: `"Create profile", "Opprett profil", "Register", "Sign up"`,
		notes:         []string{"You may be redirected to a company-specific subdomain. That is expected.", "Forms are usually multi-step. Fill each step before continuing."},
	},
	SiteJobylon: {
		title:        "the Jobylon recruitment platform",
		applyButtons: `"Apply", "Søk"`,
		notes:        []string{"Ignore social login options (LinkedIn, Google). Use email registration."},
	},
	SiteTeamtailor: {
		title:         "the Teamtailor candidate portal",
		registerLinks: `"Create account"`,
		notes:         []string{"Skip the LinkedIn import option. Use manual entry."},
	},
	SiteRecman: {
		title:         "the Recman recruitment platform",
		cookieButtons: `"Godta", "Aksepter"`,
		registerLinks: `"Registrer deg", "Opprett bruker", "Bli kandidat"`,
		notes:         []string{"Registration is often multi-step: email and password, then personal info, then optional CV upload.", `Skip optional steps and finish with "Fullfør" or "Registrer".`},
	},
	SiteReachMee: {
		title: "the ReachMee recruitment platform",
		notes: []string{"The form may live on the attract.reachmee.com subdomain."},
	},
	SiteFinn: {
		title:         "FINN.no",
		cookieButtons: `"Godta alle" (Schibsted popup)`,
		applyButtons:  `"Søk her", "Enkel søknad", "Send søknad"`,
	},
}

func hintsFor(domain string) siteHints {
	h := defaultHints
	s, ok := hintsBySite[DetectSite(domain)]
	if !ok {
		return h
	}
	if s.title != "" {
		h.title = s.title
	}
	if s.cookieButtons != "" {
		h.cookieButtons = s.cookieButtons
	}
	if s.registerLinks != "" {
		h.registerLinks = s.registerLinks
	}
	if s.applyButtons != "" {
		h.applyButtons = s.applyButtons
	}
	h.notes = s.notes
	return h
}

type goalBuilder struct {
	sb    strings.Builder
	phase int
	step  int
}

func (g *goalBuilder) line(format string, args ...any) {
	fmt.Fprintf(&g.sb, format+"\n", args...)
}

func (g *goalBuilder) section(title string) {
	g.phase++
	g.line("\nPHASE %d: %s", g.phase, title)
}

func (g *goalBuilder) steps(items ...string) {
	for _, it := range items {
		g.step++
		g.line("%d. %s", g.step, it)
	}
}

func (g *goalBuilder) field(label, value string) {
	if value == "" {
		value = "(not provided)"
	}
	g.line("- %s: %s", label, value)
}

func (g *goalBuilder) String() string { return strings.TrimSpace(g.sb.String()) }

// RegistrationGoal instructs the agent to create an account on the site.
// Passwords are referenced from the navigation payload, never inlined.
func RegistrationGoal(domain string, data models.RegistrationData, email string) string {
	h := hintsFor(domain)
	g := &goalBuilder{}
	g.line("GOAL: Register for a new account on %s.", h.title)
	g.line("\nIMPORTANT RULES:")
	g.line("- Fill ONLY fields that have data provided. DO NOT guess or make up information.")
	g.line("- If a required field has no data, STOP and report it in missing_fields.")
	for _, n := range h.notes {
		g.line("- %s", n)
	}

	g.line("\nREGISTRATION DATA:")
	g.field("Email", email)
	g.field("Password", "use 'password' from the payload")
	g.field("Full Name", data.FullName)
	g.field("First Name", data.FirstName)
	g.field("Last Name", data.LastName)
	g.field("Phone", data.Phone)
	g.field("Address", data.Address)
	g.field("City", data.City)
	g.field("Postal Code", data.PostalCode)
	g.field("Country", data.Country)

	g.section("COOKIE HANDLING")
	g.steps(fmt.Sprintf("If a cookie popup appears, click %s.", h.cookieButtons))
	g.section("FIND REGISTRATION")
	g.steps(
		fmt.Sprintf("Look for %s.", h.registerLinks),
		"If on a login page, follow the registration link below the login form.",
	)
	g.section("FILL REGISTRATION FORM")
	g.steps(
		"Enter the email and the password. Repeat the password in any confirmation field.",
		"Fill name fields using full name or first and last name, whichever the form asks for.",
		"Fill phone, address, city and postal code when the form has those fields.",
		`Select "Norge" or "Norway" in any country dropdown.`,
	)
	g.section("TERMS AND SUBMIT")
	g.steps(
		"Check the required terms and GDPR/privacy checkboxes.",
		`Click "Registrer", "Opprett bruker", "Create account" or the equivalent submit button.`,
		"Wait for a confirmation or verification message.",
	)
	g.section("VERIFICATION CHECK")
	g.steps(
		"If the page says a verification email was sent, set needs_email_verification = true.",
		"If the page asks to confirm a phone number, set needs_sms_verification = true.",
		"If the page asks to click a link sent by email, set needs_link_verification = true.",
		"If the account was created, set registration_successful = true.",
	)
	g.line("\nREPORT every filled field in filled_fields and every required field you could not fill in missing_fields.")
	return g.String()
}

// ApplicationGoal instructs the agent to submit an application. loginEmail is
// empty when no stored credential exists for the site.
func ApplicationGoal(domain string, data models.RegistrationData, loginEmail string) string {
	h := hintsFor(domain)
	g := &goalBuilder{}
	g.line("GOAL: Submit a job application on %s.", h.title)
	for _, n := range h.notes {
		g.line("- %s", n)
	}

	g.line("\nAPPLICATION DATA:")
	g.field("Full Name", data.FullName)
	g.field("First Name", data.FirstName)
	g.field("Last Name", data.LastName)
	g.field("Email", data.Email)
	g.field("Phone", data.Phone)
	g.field("Cover Letter", "use 'cover_letter' from the payload")

	g.section("COOKIE HANDLING")
	g.steps(fmt.Sprintf("Accept cookies: %s.", h.cookieButtons), "Close any other popups or modals.")

	if loginEmail != "" {
		g.section("LOGIN (if required)")
		g.steps(
			fmt.Sprintf("If a login form appears, enter email %s and the password from the payload.", loginEmail),
			"Complete login and continue.",
		)
	} else {
		g.section("CONTINUE WITHOUT LOGIN")
		g.steps(
			"If an account or login is required to apply, STOP and report requires_registration = true.",
			"Otherwise proceed to the application form.",
		)
	}

	g.section("FIND APPLICATION FORM")
	g.steps(fmt.Sprintf("Look for apply buttons: %s.", h.applyButtons), "Click to open the form.")
	g.section("FILL APPLICATION")
	g.steps(
		"Fill name, email and phone fields with the data above.",
		"Paste 'cover_letter' from the payload into the cover letter, motivation or message field.",
		"Do not invent answers. If a required question has no data, STOP and report it in error_message.",
	)
	g.section("SUBMIT")
	g.steps(
		"Check required checkboxes (terms, GDPR).",
		"Click the submit button and wait for confirmation.",
		"Set application_sent = true only when a confirmation is shown, and copy it into confirmation_message.",
	)
	return g.String()
}

// VerificationGoal finishes a registration whose site sent a code after the
// registration task had already ended.
func VerificationGoal(domain, email string) string {
	h := hintsFor(domain)
	g := &goalBuilder{}
	g.line("GOAL: Confirm the new account on %s with the verification code.", h.title)
	g.section("LOGIN")
	g.steps(
		fmt.Sprintf("If asked to log in, use email %s and the password from the payload.", email),
		"Find the field asking for a verification or confirmation code.",
	)
	g.section("VERIFY")
	g.steps(
		"Enter 'verification_code' from the payload and submit.",
		"Set registration_successful = true when the account is confirmed.",
		"If the code is rejected, report it in error_message.",
	)
	return g.String()
}

// FinnApplyURL is the direct Enkel Søknad form for a finnkode.
func FinnApplyURL(finnCode string) string {
	return "https://www.finn.no/job/apply?adId=" + finnCode
}

// FinnApplicationGoal drives the FINN Enkel Søknad form, logging in with the
// FINN account and handling the emailed 2FA code.
func FinnApplicationGoal(data models.RegistrationData, loginEmail string) string {
	g := &goalBuilder{}
	g.line("GOAL: Submit a FINN Enkel Søknad application.")

	g.section("COOKIES")
	g.steps(`Accept the Schibsted cookie popup ("Godta alle").`)
	g.section("LOGIN")
	g.steps(
		fmt.Sprintf(`If asked to log in, enter email %s and click "Neste".`, loginEmail),
		"Enter the password from the payload.",
		"If a verification code is requested, wait for it through the TOTP endpoint and enter it.",
	)
	g.section("APPLICATION")
	g.steps(
		`If the form is not already open, click "Søk her" or "Enkel søknad".`,
		fmt.Sprintf("Fill the form. Name: %s. Email: %s. Phone: %s.", data.FullName, data.Email, data.Phone),
		"Paste 'cover_letter' from the payload into the message field.",
	)
	g.section("SUBMIT")
	g.steps(
		"Check the GDPR checkbox.",
		`Click "Send søknad" and wait for the confirmation.`,
		"Set application_sent = true only when the confirmation is shown.",
	)
	return g.String()
}

func ApplicationSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"application_sent":      map[string]any{"type": "boolean"},
			"confirmation_message":  map[string]any{"type": "string"},
			"error_message":         map[string]any{"type": "string"},
			"requires_registration": map[string]any{"type": "boolean"},
		},
	}
}

func RegistrationSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"registration_successful":  map[string]any{"type": "boolean"},
			"needs_email_verification": map[string]any{"type": "boolean"},
			"needs_sms_verification":   map[string]any{"type": "boolean"},
			"needs_link_verification":  map[string]any{"type": "boolean"},
			"filled_fields":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"missing_fields": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"field":    map[string]any{"type": "string"},
						"question": map[string]any{"type": "string"},
						"options":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
			},
			"error_message": map[string]any{"type": "string"},
		},
	}
}

const (
	ApplicationExtractionGoal  = "Report whether the application was sent, the confirmation message shown, any error, and whether an account is required."
	RegistrationExtractionGoal = "Report whether the account was created, which verification is required, the fields filled and any required fields that could not be filled."
)

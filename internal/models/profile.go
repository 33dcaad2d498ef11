package models

import (
	"maps"
	"slices"
	"strings"
)

type Link struct {
	LinkedIn  string `json:"linkedin,omitempty"`
	Portfolio string `json:"portfolio,omitempty"`
}

type PersonalInformation struct {
	FullName    string `json:"fullName"`
	Name        string `json:"name,omitempty"`
	JobTitle    string `json:"jobTitle,omitempty"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Address     string `json:"address,omitempty"`
	City        string `json:"city,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`
	Country     string `json:"country,omitempty"`
	BirthDate   string `json:"birthDate,omitempty"`
	Nationality string `json:"nationality,omitempty"`
	Links       Link   `json:"links"`
}

type Experience struct {
	Title            string   `json:"title"`
	Company          string   `json:"company"`
	Location         string   `json:"location,omitempty"`
	Duration         string   `json:"duration,omitempty"`
	Responsibilities []string `json:"responsibilities,omitempty"`
}

type Education struct {
	Degree      string `json:"degree"`
	Field       string `json:"field,omitempty"`
	Institution string `json:"institution"`
	Year        string `json:"year,omitempty"`
}

type Language struct {
	Language string `json:"language"`
	Level    string `json:"level,omitempty"`
}

// Profile is the active CV. StructuredContent mirrors the stored jsonb document.
type Profile struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	IsActive bool   `json:"is_active"`

	PersonalInfo    PersonalInformation `json:"personalInfo"`
	Summary         string              `json:"professionalSummary,omitempty"`
	WorkExperience  []Experience        `json:"workExperience,omitempty"`
	Education       []Education         `json:"education,omitempty"`
	Languages       []Language          `json:"languages,omitempty"`
	TechnicalSkills map[string][]string `json:"technicalSkills,omitempty"`

	// Answers holds knowledge-base replies keyed by form field name, filled
	// from earlier human answers to registration questions.
	Answers map[string]string `json:"answers,omitempty"`
}

// RegistrationData is the flat set of fields fed to site registration forms.
type RegistrationData struct {
	FullName        string
	FirstName       string
	LastName        string
	Email           string
	Phone           string
	Address         string
	City            string
	PostalCode      string
	Country         string
	BirthDate       string
	Nationality     string
	CurrentPosition string
	CurrentCompany  string
	EducationLevel  string
	EducationField  string
	EducationSchool string
	Languages       []string
	Skills          []string
}

const maxRegistrationSkills = 20

// RegistrationData flattens the profile for form filling.
func (p *Profile) RegistrationData() RegistrationData {
	pi := p.PersonalInfo
	d := RegistrationData{
		FullName:    strings.TrimSpace(pi.FullName),
		Email:       pi.Email,
		Phone:       pi.Phone,
		Address:     pi.Address,
		City:        pi.City,
		PostalCode:  pi.PostalCode,
		Country:     pi.Country,
		BirthDate:   pi.BirthDate,
		Nationality: pi.Nationality,
	}
	if d.FullName == "" {
		d.FullName = strings.TrimSpace(pi.Name)
	}
	if d.Country == "" {
		d.Country = "Norge"
	}

	first, last, _ := strings.Cut(d.FullName, " ")
	d.FirstName = first
	d.LastName = strings.TrimSpace(last)

	if len(p.WorkExperience) > 0 {
		d.CurrentPosition = p.WorkExperience[0].Title
		d.CurrentCompany = p.WorkExperience[0].Company
	}
	if len(p.Education) > 0 {
		d.EducationLevel = p.Education[0].Degree
		d.EducationField = p.Education[0].Field
		d.EducationSchool = p.Education[0].Institution
	}
	for _, l := range p.Languages {
		if l.Language != "" {
			d.Languages = append(d.Languages, l.Language)
		}
	}
	for _, group := range slices.Sorted(maps.Keys(p.TechnicalSkills)) {
		d.Skills = append(d.Skills, p.TechnicalSkills[group]...)
	}
	if len(d.Skills) > maxRegistrationSkills {
		d.Skills = d.Skills[:maxRegistrationSkills]
	}
	return d
}

// Lookup resolves a form field from the profile or the answer knowledge base.
func (p *Profile) Lookup(field string) (string, bool) {
	key := normalizeField(field)
	if v, ok := p.Answers[key]; ok && v != "" {
		return v, true
	}
	d := p.RegistrationData()
	known := map[string]string{
		"full_name":   d.FullName,
		"name":        d.FullName,
		"first_name":  d.FirstName,
		"last_name":   d.LastName,
		"email":       d.Email,
		"phone":       d.Phone,
		"address":     d.Address,
		"city":        d.City,
		"postal_code": d.PostalCode,
		"zip":         d.PostalCode,
		"country":     d.Country,
		"birth_date":  d.BirthDate,
		"nationality": d.Nationality,
	}
	v, ok := known[key]
	return v, ok && v != ""
}

// Remember stores a human answer so the same field is not asked twice.
func (p *Profile) Remember(field, answer string) {
	if p.Answers == nil {
		p.Answers = make(map[string]string)
	}
	p.Answers[normalizeField(field)] = answer
}

func normalizeField(field string) string {
	f := strings.ToLower(strings.TrimSpace(field))
	f = strings.NewReplacer(" ", "_", "-", "_").Replace(f)
	return f
}

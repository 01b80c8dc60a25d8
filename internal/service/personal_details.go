package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"companion-llm/internal/domain"
)

// PersonalDetailExtractor corre regex sobre las memorias almacenadas y produce
// el mapa estructurado de datos personales. Ocurrencias multiples acumulan.
type PersonalDetailExtractor struct {
	reName     []*regexp.Regexp
	reAge      *regexp.Regexp
	reLocation []*regexp.Regexp
	reFamily   *regexp.Regexp
	rePet      *regexp.Regexp
	reWork     []*regexp.Regexp
	reLikes    *regexp.Regexp
}

func NewPersonalDetailExtractor() *PersonalDetailExtractor {
	return &PersonalDetailExtractor{
		// Nombres propios con mayuscula real en la captura, frase disparadora
		// case-insensitive (mismo criterio que el extractor de entidades).
		reName: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bmy name is (?-i:([A-Z][a-zA-Z]+))`),
			regexp.MustCompile(`\bI'?m ([A-Z][a-zA-Z]+)\b`),
			regexp.MustCompile(`(?i)\bcall me (?-i:([A-Z][a-zA-Z]+))`),
		},
		reAge: reAge,
		reLocation: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bI live in (?-i:([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)?))`),
			regexp.MustCompile(`(?i)\bI'?m from (?-i:([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)?))`),
		},
		reFamily: regexp.MustCompile(`(?i)\bmy (sister|brother|mother|father|mom|dad|wife|husband|partner|daughter|son|aunt|uncle|cousin|grandmother|grandfather) (?:is )?(?:named |called )?(?-i:([A-Z][a-zA-Z]+))`),
		rePet:    regexp.MustCompile(`(?i)\bmy (?:dog|cat|bird|hamster|rabbit|fish|puppy|kitten|parrot|turtle) (?:is )?(?:named |called )?(?-i:([A-Z][a-zA-Z]+))`),
		reWork: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bI work as (?:a |an )?([a-zA-Z ]{2,40})`),
			regexp.MustCompile(`(?i)\bI work at (?-i:([A-Z][a-zA-Z0-9 ]{1,40}))`),
			regexp.MustCompile(`(?i)\bmy job is ([a-zA-Z ]{2,40})`),
		},
		reLikes: regexp.MustCompile(`(?i)\bI (?:love|like|enjoy) ([a-zA-Z ]{2,30})`),
	}
}

// Scan procesa un lote de memorias y acumula en details.
func (x *PersonalDetailExtractor) Scan(memories []domain.MemoryEntry, details *domain.PersonalDetails) {
	for _, m := range memories {
		// Solo mensajes del usuario aportan datos personales.
		if m.MemoryType == domain.MemoryResponse {
			continue
		}
		content, _ := m.EffectiveContent()
		x.scanText(content, details)
	}
}

func (x *PersonalDetailExtractor) scanText(text string, d *domain.PersonalDetails) {
	for _, re := range x.reName {
		if m := re.FindStringSubmatch(text); m != nil && d.Name == "" {
			d.Name = m[1]
			break
		}
	}
	if d.Age == 0 {
		if m := x.reAge.FindStringSubmatch(text); m != nil {
			for _, g := range m[1:] {
				if g != "" {
					if age, err := strconv.Atoi(g); err == nil && age > 0 && age < 130 {
						d.Age = age
						break
					}
				}
			}
		}
	}
	for _, re := range x.reLocation {
		if m := re.FindStringSubmatch(text); m != nil && d.Location == "" {
			d.Location = m[1]
			break
		}
	}
	for _, m := range x.reFamily.FindAllStringSubmatch(text, -1) {
		role := strings.ToLower(m[1])
		name := m[2]
		if d.Family == nil {
			d.Family = make(map[string][]string)
		}
		d.Family[role] = appendUnique(d.Family[role], name)
	}
	for _, m := range x.rePet.FindAllStringSubmatch(text, -1) {
		d.Pets = appendUnique(d.Pets, m[1])
	}
	for _, re := range x.reWork {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			work := strings.TrimSpace(m[1])
			if words := strings.Fields(work); len(words) > 4 {
				work = strings.Join(words[:4], " ")
			}
			d.Work = appendUnique(d.Work, strings.ToLower(work))
		}
	}
	for _, m := range x.reLikes.FindAllStringSubmatch(text, -1) {
		like := strings.TrimSpace(strings.ToLower(m[1]))
		if words := strings.Fields(like); len(words) > 3 {
			like = strings.Join(words[:3], " ")
		}
		d.Likes = appendUnique(d.Likes, like)
	}
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if strings.EqualFold(existing, item) {
			return list
		}
	}
	return append(list, item)
}

// PersonalDetails devuelve el mapa de datos personales del par. Re-escanea
// cuando hubo suficientes ingestas nuevas desde el ultimo escaneo (o en el
// primer acceso del proceso).
func (s *MemoryService) PersonalDetails(ctx context.Context, pair domain.Pair) domain.PersonalDetails {
	s.mu.Lock()
	ingests := s.ingestCounts[pair.Key()]
	s.mu.Unlock()

	s.detailsMu.Lock()
	cached, haveCached := s.detailsCache[pair.Key()]
	lastSeen, haveSeen := s.detailsSeen[pair.Key()]
	s.detailsMu.Unlock()

	if haveCached && haveSeen && ingests-lastSeen < s.cfg.DetailsRescan {
		return cached
	}

	memories, err := s.memoryRepo.ListAll(ctx, pair)
	if err != nil {
		if haveCached {
			return cached
		}
		return domain.PersonalDetails{}
	}
	var details domain.PersonalDetails
	s.details.Scan(memories, &details)

	s.detailsMu.Lock()
	s.detailsCache[pair.Key()] = details
	s.detailsSeen[pair.Key()] = ingests
	s.detailsMu.Unlock()
	return details
}

// FormatPersonalDetails produce el prefacio estable "About you, I remember...".
func FormatPersonalDetails(d domain.PersonalDetails) string {
	var lines []string
	if d.Name != "" {
		lines = append(lines, "- Your name is "+d.Name)
	}
	if d.Age > 0 {
		lines = append(lines, fmt.Sprintf("- You are %d years old", d.Age))
	}
	if d.Location != "" {
		lines = append(lines, "- You live in "+d.Location)
	}
	if len(d.Family) > 0 {
		roles := make([]string, 0, len(d.Family))
		for role := range d.Family {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			lines = append(lines, fmt.Sprintf("- Your %s: %s", role, strings.Join(d.Family[role], ", ")))
		}
	}
	if len(d.Pets) > 0 {
		lines = append(lines, "- Your pets: "+strings.Join(d.Pets, ", "))
	}
	if len(d.Work) > 0 {
		lines = append(lines, "- Work: "+strings.Join(d.Work, ", "))
	}
	if len(d.Likes) > 0 {
		lines = append(lines, "- You enjoy: "+strings.Join(d.Likes, ", "))
	}
	return strings.Join(lines, "\n")
}

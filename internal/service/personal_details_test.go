package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"companion-llm/internal/domain"
)

func TestPersonalDetailScan(t *testing.T) {
	x := NewPersonalDetailExtractor()
	memories := []domain.MemoryEntry{
		{Content: "Hi, I'm Alex, 31, I live in Berlin", MemoryType: domain.MemoryBuffer},
		{Content: "my sister Claire is visiting next week", MemoryType: domain.MemoryBuffer},
		{Content: "my dog Bruno ate my homework", MemoryType: domain.MemoryBuffer},
		{Content: "I work as a backend engineer and I love hiking", MemoryType: domain.MemoryBuffer},
		// Las respuestas del personaje nunca aportan datos del usuario.
		{Content: "My name is Aria and I live in Paris", MemoryType: domain.MemoryResponse},
	}

	var d domain.PersonalDetails
	x.Scan(memories, &d)

	if d.Name != "Alex" {
		t.Fatalf("name = %q; want Alex", d.Name)
	}
	if d.Age != 31 {
		t.Fatalf("age = %d; want 31", d.Age)
	}
	if d.Location != "Berlin" {
		t.Fatalf("location = %q; want Berlin", d.Location)
	}
	if got := d.Family["sister"]; len(got) != 1 || got[0] != "Claire" {
		t.Fatalf("family[sister] = %v; want [Claire]", got)
	}
	if len(d.Pets) != 1 || d.Pets[0] != "Bruno" {
		t.Fatalf("pets = %v; want [Bruno]", d.Pets)
	}
	if len(d.Work) == 0 || !strings.Contains(d.Work[0], "backend engineer") {
		t.Fatalf("work = %v; want backend engineer", d.Work)
	}
	if len(d.Likes) != 1 || d.Likes[0] != "hiking" {
		t.Fatalf("likes = %v; want [hiking]", d.Likes)
	}
}

func TestPersonalDetailScanRequiresCapitalizedNames(t *testing.T) {
	x := NewPersonalDetailExtractor()
	memories := []domain.MemoryEntry{
		{Content: "my name is actually a secret"},
		{Content: "I live in another city these days"},
		{Content: "my sister is very kind to me"},
		{Content: "my dog is getting old"},
	}
	var d domain.PersonalDetails
	x.Scan(memories, &d)
	if d.Name != "" || d.Location != "" {
		t.Fatalf("lowercase words captured as details: %+v", d)
	}
	if len(d.Family) != 0 || len(d.Pets) != 0 {
		t.Fatalf("lowercase words captured as family or pets: %+v", d)
	}
}

func TestPersonalDetailScanAccumulatesUnique(t *testing.T) {
	x := NewPersonalDetailExtractor()
	memories := []domain.MemoryEntry{
		{Content: "my sister Claire called"},
		{Content: "my sister Claire called again"},
		{Content: "my sister Eloise wrote a letter"},
	}
	var d domain.PersonalDetails
	x.Scan(memories, &d)
	if got := d.Family["sister"]; len(got) != 2 {
		t.Fatalf("family[sister] = %v; want exactly [Claire Eloise]", got)
	}
}

func TestPersonalDetailsUsesCacheBetweenScans(t *testing.T) {
	repo := newMockMemoryRepo()
	svc := NewMemoryService(repo, nil, MemoryConfig{DetailsRescan: 10}, nil)
	pair := domain.Pair{CharacterID: "aria", UserID: "u1"}
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, pair, "conv-1", "Hi, my name is Alex", domain.MemoryBuffer); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	first := svc.PersonalDetails(ctx, pair)
	if first.Name != "Alex" {
		t.Fatalf("name = %q; want Alex", first.Name)
	}

	// Pocas ingestas nuevas: el siguiente acceso sirve el valor cacheado aunque
	// el storage este caido.
	repo.listErr = errors.New("storage unavailable")
	again := svc.PersonalDetails(ctx, pair)
	if again.Name != "Alex" {
		t.Fatalf("cached details lost: %+v", again)
	}
}

func TestFormatPersonalDetails(t *testing.T) {
	d := domain.PersonalDetails{
		Name:     "Alex",
		Age:      31,
		Location: "Berlin",
		Family:   map[string][]string{"sister": {"Claire"}, "brother": {"Tom"}},
		Pets:     []string{"Bruno"},
		Likes:    []string{"hiking"},
	}
	got := FormatPersonalDetails(d)
	wantLines := []string{
		"- Your name is Alex",
		"- You are 31 years old",
		"- You live in Berlin",
		"- Your brother: Tom",
		"- Your sister: Claire",
		"- Your pets: Bruno",
		"- You enjoy: hiking",
	}
	for _, line := range wantLines {
		if !strings.Contains(got, line) {
			t.Fatalf("missing %q in:\n%s", line, got)
		}
	}
	// Roles de familia en orden alfabetico estable.
	if strings.Index(got, "brother") > strings.Index(got, "sister") {
		t.Fatalf("family roles not sorted:\n%s", got)
	}
}

func TestFormatPersonalDetailsEmpty(t *testing.T) {
	if got := FormatPersonalDetails(domain.PersonalDetails{}); got != "" {
		t.Fatalf("empty details formatted to %q; want empty string", got)
	}
	if !(domain.PersonalDetails{}).Empty() {
		t.Fatal("zero details should report Empty")
	}
}

package character

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"companion-llm/internal/domain"
)

// ErrNotFound indica que el personaje pedido no existe en el cargador.
var ErrNotFound = errors.New("character not found")

// Loader es el contrato externo de carga de personajes. El core nunca parsea
// archivos de personaje directamente; recibe descriptores ya armados.
type Loader interface {
	Load(characterID string) (domain.CharacterDescriptor, error)
	List() []string
}

// FileLoader lee descriptores JSON desde un directorio ({id}.json), con cache
// en memoria tras la primera carga.
type FileLoader struct {
	dir string

	mu    sync.RWMutex
	cache map[string]domain.CharacterDescriptor
}

func NewFileLoader(dir string) *FileLoader {
	return &FileLoader{
		dir:   dir,
		cache: make(map[string]domain.CharacterDescriptor),
	}
}

func (l *FileLoader) Load(characterID string) (domain.CharacterDescriptor, error) {
	l.mu.RLock()
	if c, ok := l.cache[characterID]; ok {
		l.mu.RUnlock()
		return c, nil
	}
	l.mu.RUnlock()

	// El id viaja en la URL: nunca dejar que escape del directorio.
	if strings.ContainsAny(characterID, `/\.`) {
		return domain.CharacterDescriptor{}, ErrNotFound
	}
	raw, err := os.ReadFile(filepath.Join(l.dir, characterID+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return domain.CharacterDescriptor{}, ErrNotFound
	}
	if err != nil {
		return domain.CharacterDescriptor{}, fmt.Errorf("read character file: %w", err)
	}

	var c domain.CharacterDescriptor
	if err := json.Unmarshal(raw, &c); err != nil {
		return domain.CharacterDescriptor{}, fmt.Errorf("parse character %s: %w", characterID, err)
	}
	if c.ID == "" {
		c.ID = characterID
	}
	if c.Name == "" {
		c.Name = characterID
	}

	l.mu.Lock()
	l.cache[characterID] = c
	l.mu.Unlock()
	return c, nil
}

func (l *FileLoader) List() []string {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids
}

// StaticLoader sirve descriptores fijos; util en tests y en el CLI.
type StaticLoader struct {
	characters map[string]domain.CharacterDescriptor
}

func NewStaticLoader(characters ...domain.CharacterDescriptor) *StaticLoader {
	m := make(map[string]domain.CharacterDescriptor, len(characters))
	for _, c := range characters {
		m[c.ID] = c
	}
	return &StaticLoader{characters: m}
}

func (l *StaticLoader) Load(characterID string) (domain.CharacterDescriptor, error) {
	c, ok := l.characters[characterID]
	if !ok {
		return domain.CharacterDescriptor{}, ErrNotFound
	}
	return c, nil
}

func (l *StaticLoader) List() []string {
	ids := make([]string, 0, len(l.characters))
	for id := range l.characters {
		ids = append(ids, id)
	}
	return ids
}

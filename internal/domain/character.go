package domain

// CharacterDescriptor es el contrato con el cargador de personajes externo.
// El core nunca parsea archivos de personaje; recibe este descriptor ya armado.
type CharacterDescriptor struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Persona         map[string]string `json:"persona_fields,omitempty"`
	Greeting        string            `json:"greeting,omitempty"`
	Historical      bool              `json:"historical,omitempty"` // activa el bloque biografico del prompt
	Biography       string            `json:"biography,omitempty"`
	MemoryDBPath    string            `json:"memory_db_path,omitempty"`
	LearningEnabled bool              `json:"learning_enabled"`
}

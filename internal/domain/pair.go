package domain

import "fmt"

// Pair identifica la unidad de aislamiento del sistema: un personaje y un usuario.
// Toda la memoria, el vinculo y el estado emocional viven por Pair; no hay
// comparticion entre pares.
type Pair struct {
	CharacterID string `json:"character_id"`
	UserID      string `json:"user_id"`
}

// Key devuelve la clave canonica usada para locks, caches y nombres de archivo.
func (p Pair) Key() string {
	return p.CharacterID + "_" + p.UserID
}

// DBFileName devuelve el nombre del archivo SQLite del par bajo el directorio memories/.
func (p Pair) DBFileName() string {
	return fmt.Sprintf("%s_%s_memory.db", p.CharacterID, p.UserID)
}

func (p Pair) Valid() bool {
	return p.CharacterID != "" && p.UserID != ""
}

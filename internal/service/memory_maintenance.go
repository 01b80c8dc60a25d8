package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"companion-llm/internal/domain"
)

// Umbral de largo para compresion: contenido de mas de 200 caracteres.
const compressMinLen = 200

// RunMaintenance ejecuta la pasada completa sobre el par: archivado de memorias
// viejas de baja importancia, compresion de contenido largo, poda por retencion
// y optimizacion fisica del archivo.
func (s *MemoryService) RunMaintenance(ctx context.Context, pair domain.Pair) error {
	now := time.Now().UTC()
	candidates, err := s.memoryRepo.ListMaintenanceCandidates(ctx, pair, now.Add(-s.cfg.CompressAge))
	if err != nil {
		return err
	}

	archived, compressed, pruned := 0, 0, 0
	for _, m := range candidates {
		if m.MemoryType == domain.MemorySummary {
			// Los resumenes son append-only; nunca se degradan.
			continue
		}
		age := now.Sub(m.CreatedAt)
		changed := false

		// Retencion dura: mas de un anio sin valor que lo salve.
		if age >= s.cfg.RetentionAge && m.Importance < 0.6 && m.AccessCount == 0 {
			if err := s.memoryRepo.Delete(ctx, pair, m.ID); err != nil {
				s.log.Warn("retention delete failed", zap.String("memory", m.ID), zap.Error(err))
				continue
			}
			pruned++
			continue
		}

		if age >= s.cfg.ArchiveAge && m.Importance < 0.6 && m.ArchiveStatus == domain.ArchiveActive {
			m.ArchiveStatus = domain.ArchiveArchived
			changed = true
		}

		if age >= s.cfg.CompressAge && len(m.Content) > compressMinLen &&
			m.ArchiveStatus != domain.ArchiveCompressed && m.CompressedContent == "" {
			m.CompressedContent = compressContent(m.Content)
			m.CompressionRatio = 0.3
			m.ArchiveStatus = domain.ArchiveCompressed
			changed = true
		}

		if changed {
			if err := s.memoryRepo.Update(ctx, m); err != nil {
				s.log.Warn("maintenance update failed", zap.String("memory", m.ID), zap.Error(err))
				continue
			}
			switch m.ArchiveStatus {
			case domain.ArchiveCompressed:
				compressed++
			case domain.ArchiveArchived:
				archived++
			}
		}
	}

	if err := s.memoryRepo.Analyze(ctx, pair); err != nil {
		s.log.Warn("analyze failed", zap.String("pair", pair.Key()), zap.Error(err))
	}
	if pruned > 0 {
		if err := s.memoryRepo.Vacuum(ctx, pair); err != nil {
			s.log.Warn("vacuum failed", zap.String("pair", pair.Key()), zap.Error(err))
		}
	}

	s.cache.invalidatePair(pair)
	s.log.Info("maintenance pass completed",
		zap.String("pair", pair.Key()),
		zap.Int("archived", archived),
		zap.Int("compressed", compressed),
		zap.Int("pruned", pruned))
	return nil
}

// compressContent conserva cabeza y cola del contenido original, marcando el
// recorte en el medio. La forma resultante ronda el 30% del original.
func compressContent(content string) string {
	head := content
	if len(head) > 100 {
		head = head[:100]
	}
	tail := content
	if len(tail) > 50 {
		tail = tail[len(tail)-50:]
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(head))
	sb.WriteString(" … [COMPRESSED] … ")
	sb.WriteString(strings.TrimSpace(tail))
	return sb.String()
}

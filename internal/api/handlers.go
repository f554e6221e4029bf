package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/retrotalk-project/retrotalk/internal/util"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus returns the aggregate server snapshot: registry counts,
// voice relay counters and host resource usage.
func (s *Server) handleStatus(c *gin.Context) {
	stats := s.reg.Stats()

	resp := gin.H{
		"server_name": s.cfg.Server.Name,
		"chat_port":   s.cfg.Server.ChatPort,
		"voice_port":  s.cfg.Server.VoicePort,
		"registry":    stats,
		"system":      util.GetSystemInfo(),
	}

	if s.relay != nil {
		resp["voice"] = s.relay.StatsSnapshot()
	}
	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUsers(c *gin.Context) {
	users := s.reg.Users()

	out := make([]gin.H, 0, len(users))
	for _, u := range users {
		out = append(out, gin.H{
			"uid":      u.UID,
			"nickname": u.Nickname,
			"level":    u.Level.String(),
			"mode":     u.Mode(),
			"rooms":    u.Rooms(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"count": len(out), "users": out})
}

func (s *Server) handleRooms(c *gin.Context) {
	rooms := s.reg.Rooms()

	out := make([]gin.H, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, gin.H{
			"id":        r.ID,
			"name":      r.Name,
			"category":  r.Category,
			"rating":    r.Rating,
			"voice":     r.Voice,
			"private":   r.Private,
			"permanent": r.Permanent,
			"members":   s.reg.MemberCount(r.ID),
			"created":   r.CreatedAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{"count": len(out), "rooms": out})
}

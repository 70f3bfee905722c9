// Package media выдаёт предподписанные URL загрузки и обслуживает сами файлы.
// Ядро хранит в сообщениях только непрозрачную ссылку media_url; подпись
// (HMAC-SHA256 с ограниченным сроком) позволяет загрузку без повторной
// аутентификации, как у внешних blob-хранилищ.
package media

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chatplatform/core/internal/logger"
)

// Блокируем только опасные расширения (исполняемые/скрипты). Остальные — разрешены.
var blockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

const uploadURLTTL = 15 * time.Minute

type Service struct {
	uploadDir     string
	maxUploadSize int64
	secret        []byte
}

func New(uploadDir string, maxUploadSize int64, secret string) *Service {
	return &Service{uploadDir: uploadDir, maxUploadSize: maxUploadSize, secret: []byte(secret)}
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("media writeJSON: %v", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) sign(name string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(name + ":" + strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

type uploadURLResponse struct {
	UploadURL string `json:"uploadUrl"`
	MediaURL  string `json:"mediaUrl"`
}

// SignUploadURL выдаёт пару URL: PUT для загрузки (с подписью и сроком
// действия; до истечения срока URL принимает повторные загрузки, каждая
// перезаписывает файл) и постоянную ссылку для чтения.
func (s *Service) SignUploadURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName string `json:"fileName"`
		FileType string `json:"fileType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ext := strings.ToLower(filepath.Ext(req.FileName))
	if blockedExt[ext] {
		s.writeError(w, http.StatusBadRequest, "file type not allowed")
		return
	}

	name := uuid.New().String() + ext
	exp := time.Now().Add(uploadURLTTL).Unix()
	sig := s.sign(name, exp)
	s.writeJSON(w, http.StatusOK, uploadURLResponse{
		UploadURL: "/api/media/upload/" + name + "?exp=" + strconv.FormatInt(exp, 10) + "&sig=" + sig,
		MediaURL:  "/api/media/" + name,
	})
}

// Upload принимает PUT по предподписанному URL и сохраняет тело в каталог загрузок.
func (s *Service) Upload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	exp, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil || time.Now().Unix() > exp {
		s.writeError(w, http.StatusForbidden, "upload url expired")
		return
	}
	sig := r.URL.Query().Get("sig")
	if !hmac.Equal([]byte(sig), []byte(s.sign(name, exp))) {
		s.writeError(w, http.StatusForbidden, "invalid signature")
		return
	}
	// Имя выдаётся сервером (uuid+ext); path traversal отсекается на всякий случай.
	if name != filepath.Base(name) || name == "" || name == "." {
		s.writeError(w, http.StatusBadRequest, "invalid name")
		return
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create upload dir")
		return
	}
	dst, err := os.Create(filepath.Join(s.uploadDir, name))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	if _, err := io.Copy(dst, r.Body); err != nil {
		dst.Close()
		os.Remove(filepath.Join(s.uploadDir, name))
		s.writeError(w, http.StatusBadRequest, "upload failed or file too large")
		return
	}
	if err := dst.Close(); err != nil {
		os.Remove(filepath.Join(s.uploadDir, name))
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Serve отдаёт загруженный файл.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name != filepath.Base(name) || name == "" || name == "." {
		s.writeError(w, http.StatusBadRequest, "invalid name")
		return
	}
	path := filepath.Join(s.uploadDir, name)
	if _, err := os.Stat(path); err != nil {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, path)
}

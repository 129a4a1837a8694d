package santhai_test

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// composeFile はdocker-compose.ymlのうちテストで確認する項目。
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]struct {
		Internal bool `yaml:"internal"`
	} `yaml:"networks"`
}

type composeService struct {
	Command     []string          `yaml:"command"`
	Environment map[string]string `yaml:"environment"`
	Volumes     []string          `yaml:"volumes"`
	Networks    []string          `yaml:"networks"`
	Profiles    []string          `yaml:"profiles"`
	DependsOn   map[string]struct {
		Condition string `yaml:"condition"`
	} `yaml:"depends_on"`
}

func loadCompose(t *testing.T) composeFile {
	t.Helper()
	data, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("failed to read docker-compose.yml: %v", err)
	}
	var c composeFile
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatalf("failed to parse docker-compose.yml: %v", err)
	}
	return c
}

func readDockerfile(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("Dockerfile")
	if err != nil {
		t.Fatalf("failed to read Dockerfile: %v", err)
	}
	return string(data)
}

// minorVersion は "1.25.1" や "1.25" からマイナーバージョン25を取り出す。
func minorVersion(t *testing.T, v string) int {
	t.Helper()
	parts := strings.Split(v, ".")
	if len(parts) < 2 || parts[0] != "1" {
		t.Fatalf("unexpected go version %q", v)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("unexpected go version %q: %v", v, err)
	}
	return n
}

func TestDockerfile_BuilderSatisfiesGoDirective(t *testing.T) {
	mod, err := os.ReadFile("go.mod")
	if err != nil {
		t.Fatalf("failed to read go.mod: %v", err)
	}
	goLine := regexp.MustCompile(`(?m)^go (\d+\.\d+(?:\.\d+)?)$`).FindSubmatch(mod)
	if goLine == nil {
		t.Fatal("go.mod should declare a go directive")
	}

	builder := regexp.MustCompile(`(?m)^FROM golang:(\d+\.\d+)[^ ]* AS builder`).FindStringSubmatch(readDockerfile(t))
	if builder == nil {
		t.Fatal("Dockerfile should have a golang builder stage")
	}

	// 公式イメージはGOTOOLCHAIN=localのため、go.modより古いと取得もビルドも失敗する
	want := minorVersion(t, string(goLine[1]))
	if got := minorVersion(t, builder[1]); got < want {
		t.Errorf("builder image golang:%s is older than go.mod's go %s", builder[1], goLine[1])
	}
}

func TestDockerfile_RuntimeStage(t *testing.T) {
	content := readDockerfile(t)

	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "distroless") || !strings.HasSuffix(lastFrom, ":nonroot") {
		t.Errorf("runtime stage = %q, want a distroless nonroot image", lastFrom)
	}

	for _, want := range []string{
		// シェルがないためヘルスチェックはバイナリ自身のサブコマンドで行う
		`CMD ["/app/santhai", "healthcheck"]`,
		`ENTRYPOINT ["/app/santhai"]`,
		"ENV TEMPLATE_CACHE_DIR=/app/template_cache",
		"--chown=nonroot:nonroot /out/template_cache /app/template_cache",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("Dockerfile should contain %q", want)
		}
	}
}

func TestDockerCompose_SubcommandPerService(t *testing.T) {
	c := loadCompose(t)

	for name, want := range map[string]string{
		"api":     "serve",
		"worker":  "worker",
		"migrate": "migrate",
	} {
		svc, ok := c.Services[name]
		if !ok {
			t.Errorf("service %q is missing", name)
			continue
		}
		if len(svc.Command) != 1 || svc.Command[0] != want {
			t.Errorf("%s command = %v, want [%s]", name, svc.Command, want)
		}
	}
}

func TestDockerCompose_MigrateGatesAppServices(t *testing.T) {
	c := loadCompose(t)

	for _, name := range []string{"api", "worker"} {
		deps := c.Services[name].DependsOn
		if got := deps["migrate"].Condition; got != "service_completed_successfully" {
			t.Errorf("%s depends_on migrate = %q, want service_completed_successfully", name, got)
		}
		if got := deps["db"].Condition; got != "service_healthy" {
			t.Errorf("%s depends_on db = %q, want service_healthy", name, got)
		}
	}
	if got := c.Services["migrate"].DependsOn["db"].Condition; got != "service_healthy" {
		t.Errorf("migrate depends_on db = %q, want service_healthy", got)
	}
}

func TestDockerCompose_DataStoresStayOnInternalNetwork(t *testing.T) {
	c := loadCompose(t)

	if !c.Networks["internal"].Internal {
		t.Fatal("network internal should set internal: true")
	}
	for _, name := range []string{"db", "redis", "migrate"} {
		nets := c.Services[name].Networks
		if len(nets) != 1 || nets[0] != "internal" {
			t.Errorf("%s networks = %v, want [internal]", name, nets)
		}
	}
	// GitHub、SMTP、Googleへ出るサービスだけがexternalに参加する
	for _, name := range []string{"api", "worker"} {
		if !contains(c.Services[name].Networks, "external") {
			t.Errorf("%s should join the external network", name)
		}
	}
}

func TestDockerCompose_RedisIsOptIn(t *testing.T) {
	c := loadCompose(t)

	redis, ok := c.Services["redis"]
	if !ok {
		t.Fatal("service redis is missing")
	}
	if !contains(redis.Profiles, "redis") {
		t.Errorf("redis profiles = %v, want the redis profile", redis.Profiles)
	}
	for _, name := range []string{"api", "worker"} {
		env := c.Services[name].Environment
		// プロファイル未指定で起動してもRedisなしで動くこと
		if got := env["OTP_STORE"]; got != "${OTP_STORE:-postgres}" {
			t.Errorf("%s OTP_STORE = %q, want default postgres", name, got)
		}
		if !strings.HasPrefix(env["REDIS_URL"], "redis://redis:") {
			t.Errorf("%s REDIS_URL = %q, want the redis service", name, env["REDIS_URL"])
		}
	}
}

func TestDockerCompose_TemplateCacheShared(t *testing.T) {
	c := loadCompose(t)

	for _, name := range []string{"api", "worker"} {
		svc := c.Services[name]
		if got := svc.Environment["TEMPLATE_CACHE_DIR"]; got != "/app/template_cache" {
			t.Errorf("%s TEMPLATE_CACHE_DIR = %q, want /app/template_cache", name, got)
		}
		if !contains(svc.Volumes, "template_cache:/app/template_cache") {
			t.Errorf("%s should mount the template_cache volume, got %v", name, svc.Volumes)
		}
	}
}

func TestDockerCompose_JWTSecretRequired(t *testing.T) {
	c := loadCompose(t)

	for _, name := range []string{"api", "worker", "migrate"} {
		if got := c.Services[name].Environment["JWT_SECRET"]; !strings.HasPrefix(got, "${JWT_SECRET:?") {
			t.Errorf("%s JWT_SECRET = %q, should fail when unset", name, got)
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/models"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// setupIntegrationEnv spawns throwaway MySQL and Redis containers, connects
// the globals and migrates the schema. Returns a context carrying a fresh
// company and an actor. Skipped unless INTEGRATION_TESTS is set.
func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "farmstock_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	if err := models.MigrateTable(); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	company, err := models.CreateCompany(ctx, &models.NewCompany{
		Name:     "Test Farm Co",
		Timezone: "Asia/Jakarta",
	})
	if err != nil {
		t.Fatalf("CreateCompany: %v", err)
	}
	return utils.SetCompanyIdInContext(ctx, company.ID.String())
}

// setupLivestockSeed plants an opening head count and weight at a farm
// directly, the way an opening-balance import would.
func setupLivestockSeed(t *testing.T, ctx context.Context, farmId, itemId int, quantity, totalWeight int64) *gorm.DB {
	t.Helper()
	db := config.GetDB()
	companyId, _ := utils.GetCompanyIdFromContext(ctx)
	err := db.Create(&models.LivestockBalance{
		CompanyId:   companyId,
		FarmId:      farmId,
		ItemId:      itemId,
		Quantity:    decimal.NewFromInt(quantity),
		TotalWeight: decimal.NewFromInt(totalWeight),
	}).Error
	if err != nil {
		t.Fatalf("seed livestock balance: %v", err)
	}
	return db
}

func requireLivestockBalance(t *testing.T, ctx context.Context, farmId, itemId int, wantQty, wantWeight int64) {
	t.Helper()
	balance, err := models.GetLivestockBalance(ctx, farmId, itemId)
	if err != nil {
		t.Fatalf("GetLivestockBalance farm %d: %v", farmId, err)
	}
	if !balance.Quantity.Equal(decimal.NewFromInt(wantQty)) {
		t.Fatalf("livestock quantity farm %d = %s, want %d", farmId, balance.Quantity, wantQty)
	}
	if !balance.TotalWeight.Equal(decimal.NewFromInt(wantWeight)) {
		t.Fatalf("livestock weight farm %d = %s, want %d", farmId, balance.TotalWeight, wantWeight)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("farmstock-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("farmstock-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=farmstock_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}

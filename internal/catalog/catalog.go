// Package catalog serves read-only chapter pricing and the coin-package list.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorOperationCatalog = "catalog"
	errorSubjectChapter   = "chapter"
	errorSubjectPackage   = "package"
	errorCodeGet          = "get"
	errorCodeInvalid      = "invalid"
	errorCodeSave         = "save"

	defaultCoinPrice = 1
)

var errNilDatabase = errors.New("catalog: nil database")

// Chapter mirrors the content store's chapters table.
type Chapter struct {
	ChapterID string `gorm:"primaryKey"`
	StoryID   string `gorm:"not null;index:idx_chapters_story"`
	Title     string `gorm:"not null;default:''"`
	IsPremium bool   `gorm:"not null;default:false"`
	CoinPrice int64  `gorm:"not null;default:1"`
}

func (Chapter) TableName() string { return "chapters" }

// Models lists the tables owned by the catalog.
func Models() []any {
	return []any{&Chapter{}}
}

// DefaultPackages are the coin bundles on sale, priced in rupiah.
func DefaultPackages() []coins.CoinPackage {
	return []coins.CoinPackage{
		{PackageID: "basic", Name: "Paket Dasar", Coins: 50, Price: decimal.NewFromInt(25000)},
		{PackageID: "premium", Name: "Paket Premium", Coins: 150, Price: decimal.NewFromInt(65000)},
		{PackageID: "ultimate", Name: "Paket Ultimate", Coins: 500, Price: decimal.NewFromInt(175000)},
	}
}

// Catalog implements coins.ChapterCatalog over GORM and holds the package list.
type Catalog struct {
	db       *gorm.DB
	packages map[string]coins.CoinPackage
}

// New builds a Catalog. When packages is empty DefaultPackages is used.
func New(db *gorm.DB, packages ...coins.CoinPackage) (*Catalog, error) {
	if db == nil {
		return nil, errNilDatabase
	}
	if len(packages) == 0 {
		packages = DefaultPackages()
	}
	index := make(map[string]coins.CoinPackage, len(packages))
	for _, coinPackage := range packages {
		if coinPackage.PackageID == "" || coinPackage.Coins <= 0 || !coinPackage.Price.IsPositive() {
			return nil, coins.WrapError(errorOperationCatalog, errorSubjectPackage, errorCodeInvalid,
				fmt.Errorf("%w: %q", coins.ErrUnknownPackage, coinPackage.PackageID))
		}
		index[coinPackage.PackageID] = coinPackage
	}
	return &Catalog{db: db, packages: index}, nil
}

// Chapter looks up a chapter; a missing row yields coins.ErrUnknownChapter.
func (catalog *Catalog) Chapter(ctx context.Context, chapterID coins.ChapterID) (coins.Chapter, error) {
	var row Chapter
	err := catalog.db.WithContext(ctx).Where("chapter_id = ?", chapterID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return coins.Chapter{}, coins.WrapError(errorOperationCatalog, errorSubjectChapter, errorCodeGet, coins.ErrUnknownChapter)
		}
		return coins.Chapter{}, coins.WrapError(errorOperationCatalog, errorSubjectChapter, errorCodeGet, err)
	}
	return toDomainChapter(row)
}

// SaveChapter upserts a chapter row. Used by seeding and tests; the service itself never writes chapters.
func (catalog *Catalog) SaveChapter(ctx context.Context, chapter Chapter) error {
	if chapter.CoinPrice == 0 {
		chapter.CoinPrice = defaultCoinPrice
	}
	if _, err := toDomainChapter(chapter); err != nil {
		return err
	}
	err := catalog.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chapter_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"story_id", "title", "is_premium", "coin_price"}),
	}).Create(&chapter).Error
	if err != nil {
		return coins.WrapError(errorOperationCatalog, errorSubjectChapter, errorCodeSave, err)
	}
	return nil
}

// Package returns the package with the given id.
func (catalog *Catalog) Package(packageID string) (coins.CoinPackage, error) {
	coinPackage, ok := catalog.packages[packageID]
	if !ok {
		return coins.CoinPackage{}, coins.WrapError(errorOperationCatalog, errorSubjectPackage, errorCodeGet,
			fmt.Errorf("%w: %q", coins.ErrUnknownPackage, packageID))
	}
	return coinPackage, nil
}

// Packages lists all packages ordered by coin count.
func (catalog *Catalog) Packages() []coins.CoinPackage {
	packages := make([]coins.CoinPackage, 0, len(catalog.packages))
	for _, coinPackage := range catalog.packages {
		packages = append(packages, coinPackage)
	}
	sort.Slice(packages, func(left, right int) bool {
		return packages[left].Coins < packages[right].Coins
	})
	return packages
}

func toDomainChapter(row Chapter) (coins.Chapter, error) {
	chapterID, err := coins.NewChapterID(row.ChapterID)
	if err != nil {
		return coins.Chapter{}, coins.WrapError(errorOperationCatalog, errorSubjectChapter, errorCodeInvalid, err)
	}
	storyID, err := coins.NewStoryID(row.StoryID)
	if err != nil {
		return coins.Chapter{}, coins.WrapError(errorOperationCatalog, errorSubjectChapter, errorCodeInvalid, err)
	}
	chapter, err := coins.NewChapter(chapterID, storyID, row.IsPremium, row.CoinPrice)
	if err != nil {
		return coins.Chapter{}, coins.WrapError(errorOperationCatalog, errorSubjectChapter, errorCodeInvalid, err)
	}
	return chapter, nil
}

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Candidate 候选人主表，一条记录对应一次简历投递
// 解析状态字段在任务处理期间仅由解析工作器写入
type Candidate struct {
	CandidateID string `gorm:"type:char(36);primaryKey"`
	JobID       string `gorm:"type:char(36);index:idx_candidates_job_id;not null"`

	// 上传者多态引用 {ADMIN|HR|PARTNER} + id
	UploaderType string `gorm:"type:varchar(16);not null"`
	UploaderID   string `gorm:"type:char(36);not null"`

	// 入口属性，入库后不再变更
	Name            string `gorm:"type:varchar(255)"`
	Email           string `gorm:"type:varchar(255);index:idx_candidates_email"`
	Phone           string `gorm:"type:varchar(64)"`
	ResumeObjectKey string `gorm:"type:varchar(512);not null"`
	ResumeFileName  string `gorm:"type:varchar(255)"`
	SourceTag       string `gorm:"type:varchar(64)"`
	RawFileMD5      string `gorm:"type:char(32);index:idx_candidates_raw_file_md5"`

	// 解析状态机字段
	ParsingStatus        string `gorm:"type:varchar(20);default:'PENDING';index:idx_candidates_parsing_status"`
	ParsingProgress      int    `gorm:"default:0"`
	ParsingStatusMessage string `gorm:"type:text"`
	IsParsed             bool   `gorm:"default:false"`

	// AI抽取的结构化输出，成功完成时一次性写入
	BasicInfo        datatypes.JSON `gorm:"type:json"`
	ExecutiveSummary string         `gorm:"type:text"`
	Education        datatypes.JSON `gorm:"type:json"`
	WorkExperience   datatypes.JSON `gorm:"type:json"`
	Skills           datatypes.JSON `gorm:"type:json"`
	Certifications   datatypes.JSON `gorm:"type:json"`
	AIAssessment     datatypes.JSON `gorm:"type:json"`
	ATSScore         *int           `gorm:"type:int"`
	ExtractedLinks   datatypes.JSON `gorm:"type:json"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Candidate) TableName() string {
	return "candidates"
}

// Job 岗位信息表，解析管线只读
type Job struct {
	JobID              string         `gorm:"type:char(36);primaryKey"`
	JobTitle           string         `gorm:"type:varchar(255);not null"`
	JobDescriptionText string         `gorm:"type:text;not null"`
	SkillsRequired     datatypes.JSON `gorm:"type:json"`
	Status             string         `gorm:"type:varchar(50);default:'ACTIVE';index:idx_jobs_status"`
	CreatedByUserID    string         `gorm:"type:char(36)"`
	CreatedAt          time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt          time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Job) TableName() string {
	return "jobs"
}

// ToJSON 把任意可序列化值转为datatypes.JSON列值
func ToJSON(v interface{}) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("序列化为JSON列失败: %w", err)
	}
	return datatypes.JSON(data), nil
}

// StringSliceFromJSON 把JSON列值反序列化为字符串切片，空列返回空切片
func StringSliceFromJSON(data datatypes.JSON) ([]string, error) {
	if len(data) == 0 {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("解析JSON列失败: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
